package llm

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
)

// SessionCache holds provider-native transcripts between tool steps, keyed
// by the opaque continuation handle handed to the caller. T is the vendor
// message type.
//
// Entries are single-use: Take removes the entry it returns. Eviction or
// admission rejection only costs a full re-encode on the next step.
type SessionCache[T any] struct {
	cache *ristretto.Cache
	ttl   time.Duration
}

type session[T any] struct {
	// consumed is how many caller messages wire already covers.
	consumed int
	wire     []T
}

// NewSessionCache returns a cache holding at most maxSessions transcripts,
// each for at most ttl.
func NewSessionCache[T any](maxSessions int64, ttl time.Duration) (*SessionCache[T], error) {
	if maxSessions <= 0 {
		maxSessions = 1024
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxSessions * 10,
		MaxCost:     maxSessions,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: create session cache: %w", err)
	}
	return &SessionCache[T]{cache: c, ttl: ttl}, nil
}

// Put stores wire as covering the first consumed caller messages and returns
// a fresh handle.
func (s *SessionCache[T]) Put(wire []T, consumed int) string {
	handle := uuid.NewString()
	s.cache.SetWithTTL(handle, session[T]{consumed: consumed, wire: wire}, 1, s.ttl)
	s.cache.Wait()
	return handle
}

// Take returns and removes the transcript for handle.
func (s *SessionCache[T]) Take(handle string) (wire []T, consumed int, ok bool) {
	if handle == "" {
		return nil, 0, false
	}
	v, found := s.cache.Get(handle)
	if !found {
		return nil, 0, false
	}
	s.cache.Del(handle)
	sess, valid := v.(session[T])
	if !valid {
		return nil, 0, false
	}
	return sess.wire, sess.consumed, true
}

// Close releases the cache's background goroutines.
func (s *SessionCache[T]) Close() {
	s.cache.Close()
}

// resume returns the cached wire prefix for handle when it still lines up
// with messages, and the index of the first message it does not cover.
func resume[T any](s *SessionCache[T], handle string, messages []Message) ([]T, int) {
	if s == nil {
		return nil, 0
	}
	wire, consumed, ok := s.Take(handle)
	if !ok || consumed > len(messages) {
		return nil, 0
	}
	return wire, consumed
}
