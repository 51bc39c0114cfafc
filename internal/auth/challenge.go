package auth

import (
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/oklog/ulid/v2"
)

// challengeTTL bounds how long a passkey ceremony may stay open.
const challengeTTL = 5 * time.Minute

type challengeEntry struct {
	session webauthn.SessionData
	expires time.Time
}

// challengeStore holds in-flight passkey ceremonies keyed by challenge ID,
// so concurrent ceremonies never clobber each other. Entries are single-use.
type challengeStore struct {
	mu      sync.Mutex
	entries map[string]challengeEntry
}

func newChallengeStore() *challengeStore {
	return &challengeStore{entries: make(map[string]challengeEntry)}
}

// Put stores a ceremony session and returns its challenge ID.
func (c *challengeStore) Put(session webauthn.SessionData) string {
	id := ulid.Make().String()
	c.mu.Lock()
	c.entries[id] = challengeEntry{session: session, expires: time.Now().Add(challengeTTL)}
	c.mu.Unlock()
	return id
}

// Take removes and returns the session for id. A missing or expired entry
// returns false; either way the entry cannot be replayed.
func (c *challengeStore) Take(id string) (webauthn.SessionData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok {
		return webauthn.SessionData{}, false
	}
	delete(c.entries, id)
	if time.Now().After(entry.expires) {
		return webauthn.SessionData{}, false
	}
	return entry.session, true
}

// Sweep drops expired entries. Called periodically from the server loop.
func (c *challengeStore) Sweep() {
	now := time.Now()
	c.mu.Lock()
	for id, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, id)
		}
	}
	c.mu.Unlock()
}
