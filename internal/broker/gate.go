package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Rate limit defaults: a consumer gets a bucket of 100 messages refilled at
// 100 per minute.
const (
	bucketCapacity   = 100
	bucketRefill     = 100
	bucketRefillSpan = time.Minute
)

// tokenBucket is a per-socket message rate limiter.
type tokenBucket struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
	now    func() time.Time
}

func newTokenBucket() *tokenBucket {
	tb := &tokenBucket{tokens: bucketCapacity, now: time.Now}
	tb.last = tb.now()
	return tb
}

// allow consumes one token if available.
func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	elapsed := now.Sub(tb.last)
	tb.last = now
	tb.tokens += elapsed.Seconds() * (bucketRefill / bucketRefillSpan.Seconds())
	if tb.tokens > bucketCapacity {
		tb.tokens = bucketCapacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

// Authenticator resolves a bearer token into an identity. Implementations
// may block on network I/O; the gate runs them under the socket's context so
// a consumer that disconnects mid-auth cancels the lookup.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// AnonymousAuthenticator admits everyone as a participant. Display names are
// assigned by the session to stay unique within it.
type AnonymousAuthenticator struct{}

func (AnonymousAuthenticator) Authenticate(context.Context, string) (Identity, error) {
	return Identity{Role: RoleParticipant}, nil
}

// admit authenticates a consumer and registers it on the session. The
// identity comes back filled in: anonymous identities get a per-session
// user id ("anonymous-1", "anonymous-2", ...) and display name ("User 1").
func (b *Broker) admit(ctx context.Context, s *Session, sock Socket, token string) (Identity, error) {
	identity, err := b.auth.Authenticate(ctx, token)
	if err != nil {
		return Identity{}, fmt.Errorf("authenticate: %w", err)
	}
	if ctx.Err() != nil {
		// Socket went away while the authenticator was out.
		return Identity{}, ctx.Err()
	}

	if identity.Role == "" {
		identity.Role = RoleParticipant
	}

	s.mu.Lock()
	if identity.UserID == "" {
		s.anonSeq++
		identity.UserID = fmt.Sprintf("anonymous-%d", s.anonSeq)
		if identity.DisplayName == "" {
			identity.DisplayName = fmt.Sprintf("User %d", s.anonSeq)
		}
	}
	if identity.DisplayName == "" {
		identity.DisplayName = identity.UserID
	}
	s.consumers[sock] = identity
	s.buckets[sock] = newTokenBucket()
	count := len(s.consumers)
	s.mu.Unlock()

	b.logger.Info("consumer joined", "session_id", s.ID,
		"user_id", identity.UserID, "role", identity.Role, "consumers", count)
	return identity, nil
}

// evict removes a consumer from the session. Safe to call twice.
func (b *Broker) evict(s *Session, sock Socket) {
	s.mu.Lock()
	identity, present := s.consumers[sock]
	delete(s.consumers, sock)
	delete(s.buckets, sock)
	count := len(s.consumers)
	s.mu.Unlock()

	if present {
		b.logger.Info("consumer left", "session_id", s.ID,
			"user_id", identity.UserID, "consumers", count)
	}
}

// allowMessage applies the per-socket rate limit. Unknown sockets are
// denied: a racing eviction must not bypass the limiter.
func (s *Session) allowMessage(sock Socket) bool {
	s.mu.Lock()
	tb := s.buckets[sock]
	s.mu.Unlock()
	if tb == nil {
		return false
	}
	return tb.allow()
}
