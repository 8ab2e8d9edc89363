package ws

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transitionLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *transitionLog) sink(userID string, online bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := "offline"
	if online {
		state = "online"
	}
	l.entries = append(l.entries, userID+":"+state)
}

func (l *transitionLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

func TestRegistryOnlineTransitions(t *testing.T) {
	log := &transitionLog{}
	r := NewRegistry(10, 0)
	r.SetOnlineSink(log.sink)

	h1 := NewRecordingHandle("c1", "alice")
	h2 := NewRecordingHandle("c2", "alice")

	require.NoError(t, r.Register(h1))
	assert.True(t, r.IsOnline("alice"))
	assert.Equal(t, []string{"alice:online"}, log.all(), "first connection emits online")

	require.NoError(t, r.Register(h2))
	assert.Equal(t, []string{"alice:online"}, log.all(), "second connection emits nothing")

	r.Unregister(h1)
	assert.True(t, r.IsOnline("alice"), "still one live connection")
	assert.Equal(t, []string{"alice:online"}, log.all())

	r.Unregister(h2)
	assert.False(t, r.IsOnline("alice"))
	assert.Equal(t, []string{"alice:online", "alice:offline"}, log.all(), "last disconnect emits offline immediately with zero grace")
}

func TestRegistryOfflineDebounce(t *testing.T) {
	t.Run("reconnect within grace cancels offline", func(t *testing.T) {
		log := &transitionLog{}
		r := NewRegistry(10, 50*time.Millisecond)
		r.SetOnlineSink(log.sink)

		h1 := NewRecordingHandle("c1", "bob")
		require.NoError(t, r.Register(h1))
		r.Unregister(h1)
		assert.False(t, r.IsOnline("bob"), "IsOnline answers immediately, only the broadcast is debounced")

		h2 := NewRecordingHandle("c2", "bob")
		require.NoError(t, r.Register(h2))

		time.Sleep(120 * time.Millisecond)
		assert.Equal(t, []string{"bob:online"}, log.all(), "no offline/online flap on quick reconnect")
	})

	t.Run("grace expiry emits offline", func(t *testing.T) {
		log := &transitionLog{}
		r := NewRegistry(10, 30*time.Millisecond)
		r.SetOnlineSink(log.sink)

		h := NewRecordingHandle("c1", "bob")
		require.NoError(t, r.Register(h))
		r.Unregister(h)

		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, []string{"bob:online", "bob:offline"}, log.all())
	})
}

func TestRegistryConcurrentChurn(t *testing.T) {
	log := &transitionLog{}
	r := NewRegistry(0, 0)
	r.SetOnlineSink(log.sink)

	users := []string{"alice", "bob", "carol", "dave"}
	const connsPerUser = 16

	var wg sync.WaitGroup
	for _, user := range users {
		for i := 0; i < connsPerUser; i++ {
			wg.Add(1)
			go func(user string, i int) {
				defer wg.Done()
				h := NewRecordingHandle(fmt.Sprintf("%s-c%d", user, i), user)
				require.NoError(t, r.Register(h))
				r.Unregister(h)
			}(user, i)
		}
	}
	wg.Wait()

	assert.Equal(t, Stats{}, r.Snapshot())
	for _, user := range users {
		assert.False(t, r.IsOnline(user))
	}

	// Whatever the interleaving, each user's observed transitions must
	// alternate, start online and end offline. A swapped pair would leave
	// peers believing the user is still online.
	byUser := make(map[string][]string)
	for _, entry := range log.all() {
		parts := strings.SplitN(entry, ":", 2)
		byUser[parts[0]] = append(byUser[parts[0]], parts[1])
	}
	for _, user := range users {
		states := byUser[user]
		require.NotEmpty(t, states, "user %s produced no transitions", user)
		for i, state := range states {
			want := "online"
			if i%2 == 1 {
				want = "offline"
			}
			assert.Equal(t, want, state, "user %s transition %d", user, i)
		}
		assert.Equal(t, "offline", states[len(states)-1], "user %s must end offline", user)
	}
}

func TestRegistryConnectionLimit(t *testing.T) {
	r := NewRegistry(1, 0)
	require.NoError(t, r.Register(NewRecordingHandle("c1", "alice")))

	err := r.Register(NewRecordingHandle("c2", "bob"))
	assert.ErrorIs(t, err, ErrTooManyConnections)
}

func TestRegistryUnregisterUnknownHandle(t *testing.T) {
	r := NewRegistry(10, 0)
	h := NewRecordingHandle("c1", "alice")
	// Not registered: must be a no-op, not a panic or a phantom offline.
	r.Unregister(h)
	assert.Equal(t, Stats{}, r.Snapshot())
}

func TestRegistrySnapshotAndConnectionsFor(t *testing.T) {
	r := NewRegistry(10, 0)
	require.NoError(t, r.Register(NewRecordingHandle("c1", "alice")))
	require.NoError(t, r.Register(NewRecordingHandle("c2", "alice")))
	require.NoError(t, r.Register(NewRecordingHandle("c3", "bob")))

	assert.Equal(t, Stats{Connections: 3, OnlineUsers: 2}, r.Snapshot())
	assert.Len(t, r.ConnectionsFor("alice"), 2)
	assert.Len(t, r.ConnectionsFor("carol"), 0)
	assert.ElementsMatch(t, []string{"alice", "bob"}, r.OnlineUsers())
}

func TestRegistryShutdownClosesAll(t *testing.T) {
	r := NewRegistry(10, time.Minute)
	h1 := NewRecordingHandle("c1", "alice")
	h2 := NewRecordingHandle("c2", "bob")
	require.NoError(t, r.Register(h1))
	require.NoError(t, r.Register(h2))

	r.Shutdown()
	assert.True(t, h1.Closed())
	assert.True(t, h2.Closed())
	assert.Equal(t, Stats{}, r.Snapshot())
}
