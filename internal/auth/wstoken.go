package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// WSTokenStore manages one-time tokens for the event stream websocket.
// Browsers cannot set an Authorization header on the upgrade request, so an
// authenticated client first fetches a short lived token over HTTP.
type WSTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*wsTokenEntry
	now    func() time.Time
}

type wsTokenEntry struct {
	principal Principal
	createdAt time.Time
}

const (
	// WSTokenTTL is how long a token is valid
	WSTokenTTL = 30 * time.Second
	// WSTokenLength is the byte length of the token (will be hex encoded to 2x)
	WSTokenLength = 32
)

// NewWSTokenStore creates a new WebSocket token store
func NewWSTokenStore() *WSTokenStore {
	return &WSTokenStore{
		tokens: make(map[string]*wsTokenEntry),
		now:    time.Now,
	}
}

// Generate creates a new one-time token for a principal
func (s *WSTokenStore) Generate(principal Principal) (string, error) {
	bytes := make([]byte, WSTokenLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(bytes)

	s.mu.Lock()
	s.tokens[token] = &wsTokenEntry{
		principal: principal,
		createdAt: s.now(),
	}
	s.mu.Unlock()

	return token, nil
}

// Validate checks if a token is valid and consumes it (one-time use)
func (s *WSTokenStore) Validate(token string) (*Principal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.tokens[token]
	if !exists {
		return nil, false
	}

	// Delete token immediately (one-time use)
	delete(s.tokens, token)

	if s.now().Sub(entry.createdAt) > WSTokenTTL {
		return nil, false
	}

	p := entry.principal
	return &p, true
}

// Cleanup removes all expired tokens
func (s *WSTokenStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for token, entry := range s.tokens {
		if now.Sub(entry.createdAt) > WSTokenTTL {
			delete(s.tokens, token)
			removed++
		}
	}
	return removed
}
