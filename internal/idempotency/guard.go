// internal/idempotency/guard.go
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	apperrors "notification-dispatcher/internal/common/errors"
	"notification-dispatcher/internal/common/logger"
	"notification-dispatcher/internal/common/metrics"
)

// Decision is the outcome of Check.
type Decision int

const (
	Fresh Decision = iota
	Duplicate
)

func (d Decision) String() string {
	if d == Duplicate {
		return "duplicate"
	}
	return "fresh"
}

const DefaultTTL = 10 * time.Second

// Store is the cache backend behind the guard.
type Store interface {
	// Claim sets key to value only when absent and reports whether it did.
	Claim(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
}

// pending marks a key claimed by a submission that has not finished yet.
var pending = []byte("__pending__")

// Guard suppresses identical submissions inside a short window. Every
// backend failure is treated as Fresh: sending a notification twice is
// preferred over not sending it.
type Guard struct {
	store  Store
	ttl    time.Duration
	logger logger.Logger
}

func NewGuard(store Store, ttl time.Duration, log logger.Logger) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{
		store:  store,
		ttl:    ttl,
		logger: log.WithFields(map[string]interface{}{"component": "idempotency"}),
	}
}

// TTL returns the default window.
func (g *Guard) TTL() time.Duration {
	return g.ttl
}

// Check claims key for the window. The first caller gets Fresh, every later
// caller inside the window gets Duplicate.
func (g *Guard) Check(ctx context.Context, key string) Decision {
	claimed, err := g.store.Claim(ctx, key, pending, g.ttl)
	if err != nil {
		g.failOpen("check", key, err)
		return Fresh
	}
	if !claimed {
		metrics.IdempotencyHits.Inc()
		return Duplicate
	}
	return Fresh
}

// MarkProcessed caches result under key. ttl <= 0 uses the guard window.
func (g *Guard) MarkProcessed(ctx context.Context, key string, result interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = g.ttl
	}
	payload, err := json.Marshal(result)
	if err != nil {
		g.logger.Warn("idempotency result not cacheable", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return
	}
	if err := g.store.Put(ctx, key, payload, ttl); err != nil {
		g.failOpen("mark_processed", key, err)
	}
}

// GetCachedResult decodes the cached result of key into out. It reports
// false when nothing finished is cached, including while the first
// submission is still running.
func (g *Guard) GetCachedResult(ctx context.Context, key string, out interface{}) bool {
	payload, ok, err := g.store.Get(ctx, key)
	if err != nil {
		g.failOpen("get_cached_result", key, err)
		return false
	}
	if !ok || string(payload) == string(pending) {
		return false
	}
	if err := json.Unmarshal(payload, out); err != nil {
		g.logger.Warn("idempotency result unreadable", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return false
	}
	return true
}

// Release drops a claim whose submission failed before dispatching anything.
func (g *Guard) Release(ctx context.Context, key string) {
	if err := g.store.Delete(ctx, key); err != nil {
		g.failOpen("release", key, err)
	}
}

func (g *Guard) failOpen(op, key string, err error) {
	metrics.IdempotencyFailOpen.WithLabelValues(op).Inc()
	unavailable := apperrors.NewCacheUnavailableError(err)
	g.logger.Warn("idempotency backend unavailable, failing open", map[string]interface{}{
		"operation": op,
		"key":       key,
		"code":      string(unavailable.Code),
		"error":     unavailable.Details,
	})
}

// Key hashes the identity of a submission. Fields are sorted by name so the
// digest is stable across processes.
func Key(targetKey, title, body string, notificationType int, eventID int64) string {
	canonical, _ := json.Marshal(map[string]interface{}{
		"body":     body,
		"event_id": eventID,
		"target":   targetKey,
		"title":    title,
		"type":     notificationType,
	})
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
