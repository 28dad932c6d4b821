// internal/broadcast/scheduler.go
package broadcast

import (
	"fmt"
	"time"

	"notification-dispatcher/internal/common/logger"
	"notification-dispatcher/internal/models"
	"notification-dispatcher/internal/queue"
)

const (
	DefaultChunkSize = 100
	DefaultStagger   = 10 * time.Second
)

// Enqueuer is the part of the queue the scheduler submits to.
type Enqueuer interface {
	Enqueue(spec queue.Spec, delay time.Duration) (string, error)
}

// Scheduler splits large recipient sets into chunks and spreads them over
// time on the broadcast lane.
type Scheduler struct {
	queue     Enqueuer
	chunkSize int
	stagger   time.Duration
	logger    logger.Logger
}

func NewScheduler(q Enqueuer, chunkSize int, stagger time.Duration, log logger.Logger) *Scheduler {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if stagger < 0 {
		stagger = DefaultStagger
	}
	return &Scheduler{
		queue:     q,
		chunkSize: chunkSize,
		stagger:   stagger,
		logger:    log.WithFields(map[string]interface{}{"component": "broadcast"}),
	}
}

// Schedule enqueues chunk i with delay i*stagger and returns the job ids
// without waiting for any of them. On an enqueue failure it stops and
// returns the ids submitted so far with the error.
func (s *Scheduler) Schedule(items []models.DispatchItem) ([]string, error) {
	if len(items) == 0 {
		return nil, nil
	}

	chunks := (len(items) + s.chunkSize - 1) / s.chunkSize
	ids := make([]string, 0, chunks)
	for i := 0; i < chunks; i++ {
		start := i * s.chunkSize
		end := start + s.chunkSize
		if end > len(items) {
			end = len(items)
		}

		id, err := s.queue.Enqueue(queue.Spec{
			Kind:  queue.KindBroadcastChunk,
			Label: fmt.Sprintf("broadcast_chunk_%d", i),
			Items: items[start:end],
		}, time.Duration(i)*s.stagger)
		if err != nil {
			s.logger.Error("broadcast scheduling interrupted", map[string]interface{}{
				"chunk":     i,
				"chunks":    chunks,
				"submitted": len(ids),
				"error":     err.Error(),
			})
			return ids, err
		}
		ids = append(ids, id)
	}

	s.logger.Info("broadcast scheduled", map[string]interface{}{
		"recipients": len(items),
		"chunks":     chunks,
		"chunkSize":  s.chunkSize,
		"spread":     (time.Duration(chunks-1) * s.stagger).String(),
	})
	return ids, nil
}
