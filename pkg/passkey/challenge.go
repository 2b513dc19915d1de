package passkey

import (
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
)

type challengeEntry struct {
	session webauthn.SessionData
	expires time.Time
}

// challengeStore holds pending ceremonies in memory. Entries expire lazily:
// an expired entry is removed and reported absent when it is next read.
type challengeStore struct {
	mu      sync.Mutex
	entries map[string]challengeEntry
	ttl     time.Duration
	now     func() time.Time
}

func newChallengeStore(ttl time.Duration, now func() time.Time) *challengeStore {
	return &challengeStore{
		entries: make(map[string]challengeEntry, 16),
		ttl:     ttl,
		now:     now,
	}
}

// put stores session under key, replacing any pending ceremony for it.
func (c *challengeStore) put(key string, session webauthn.SessionData) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = challengeEntry{
		session: session,
		expires: c.now().Add(c.ttl),
	}
}

// consume removes and returns the session stored under key.
func (c *challengeStore) consume(key string) (webauthn.SessionData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return webauthn.SessionData{}, false
	}

	delete(c.entries, key)

	if !c.now().Before(entry.expires) {
		return webauthn.SessionData{}, false
	}

	return entry.session, true
}

// discard drops the session stored under key, if any.
func (c *challengeStore) discard(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
}

func (c *challengeStore) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}
