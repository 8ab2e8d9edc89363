package memory

import (
	"context"
	"sync"
	"time"
)

// SessionClient implements storage.SessionStore in memory for -dev mode,
// where no Redis is available.
type SessionClient struct {
	mu      sync.Mutex
	revoked map[string]time.Time // tokenID -> expiry of the revocation record
}

func NewSessionClient() *SessionClient {
	return &SessionClient{revoked: make(map[string]time.Time)}
}

func (c *SessionClient) Revoke(_ context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Minute
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revoked[tokenID] = time.Now().Add(ttl)
	return nil
}

func (c *SessionClient) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.revoked[tokenID]
	if !ok {
		return false, nil
	}
	if time.Now().After(exp) {
		delete(c.revoked, tokenID)
		return false, nil
	}
	return true, nil
}

func (c *SessionClient) Close() error { return nil }
