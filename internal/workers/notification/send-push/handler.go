// internal/workers/notification/send-push/handler.go
package sendpush

import (
	"context"
	"strconv"

	apperrors "notification-dispatcher/internal/common/errors"
	"notification-dispatcher/internal/common/logger"
	"notification-dispatcher/internal/common/metrics"
	"notification-dispatcher/internal/models"
	"notification-dispatcher/internal/push"
	"notification-dispatcher/internal/queue"
)

const (
	TaskType = "send-push"
)

// SessionDeactivator retires sessions whose token the provider rejected.
type SessionDeactivator interface {
	DeactivateSessionsByToken(ctx context.Context, token string, excludingUser *int64) (int64, error)
}

// Handler executes dispatch jobs against the push provider.
type Handler struct {
	config   *Config
	sender   push.Sender
	sessions SessionDeactivator
	logger   logger.Logger
}

func NewHandler(config *Config, sender push.Sender, sessions SessionDeactivator, log logger.Logger) *Handler {
	return &Handler{
		config:   config,
		sender:   sender,
		sessions: sessions,
		logger:   log.WithFields(map[string]interface{}{"taskType": TaskType, "provider": sender.Name()}),
	}
}

var _ queue.Executor = (*Handler)(nil)

func (h *Handler) Execute(ctx context.Context, task queue.Task) queue.ExecResult {
	h.logger.Info("processing job", map[string]interface{}{
		"jobId":   task.JobID,
		"kind":    string(task.Kind),
		"attempt": task.Attempt,
		"items":   len(task.Items),
	})

	ctx, cancel := context.WithTimeout(ctx, h.config.Timeout)
	defer cancel()

	msgs := make([]push.Message, len(task.Items))
	for i, item := range task.Items {
		msgs[i] = h.buildMessage(task.Kind, item)
	}

	batch, err := h.send(ctx, msgs)

	var (
		res     queue.ExecResult
		outcome Outcome
	)
	for i, item := range task.Items {
		if i >= len(batch.Items) {
			res.Retry = append(res.Retry, item)
			outcome.Transient++
			continue
		}
		switch r := batch.Items[i]; r.Outcome {
		case push.Success:
			outcome.Sent++
		case push.InvalidToken:
			outcome.InvalidTokens++
			if h.retire(ctx, item) {
				outcome.Deactivated++
			}
		case push.RateLimited:
			outcome.RateLimited++
			res.RateLimited = true
			res.Retry = append(res.Retry, item)
		default:
			outcome.Transient++
			res.Retry = append(res.Retry, item)
		}
	}
	res.Delivered = outcome.Sent
	res.InvalidTokens = outcome.InvalidTokens

	// Only a credential failure is hard; anything else left the unsent
	// items Transient and they are already queued for retry.
	status := outcome.status()
	if apperrors.CodeOf(err) == apperrors.ErrCodeCredentialFailure {
		res.Err = err
		status = StatusCredentials
	}

	h.logger.Info("job attempt finished", map[string]interface{}{
		"jobId":         task.JobID,
		"status":        status,
		"sent":          outcome.Sent,
		"invalidTokens": outcome.InvalidTokens,
		"deactivated":   outcome.Deactivated,
		"rateLimited":   outcome.RateLimited,
		"transient":     outcome.Transient,
	})
	return res
}

func (h *Handler) send(ctx context.Context, msgs []push.Message) (push.BatchResult, error) {
	if len(msgs) != 1 {
		return h.sender.SendMany(ctx, msgs)
	}
	item, err := h.sender.SendOne(ctx, msgs[0])
	batch := push.BatchResult{Items: []push.ItemResult{item}}
	if item.Outcome == push.Success {
		batch.SuccessCount = 1
	} else {
		batch.FailureCount = 1
	}
	return batch, err
}

// retire deactivates every session holding the rejected token. The update is
// conditional on the active flag, so concurrent workers retiring the same
// token are harmless.
func (h *Handler) retire(ctx context.Context, item models.DispatchItem) bool {
	n, err := h.sessions.DeactivateSessionsByToken(ctx, item.Token, nil)
	if err != nil {
		h.logger.Warn("failed to deactivate rejected token", map[string]interface{}{
			"userId": item.UserID,
			"error":  err.Error(),
		})
		return false
	}
	if n > 0 {
		metrics.SessionsDeactivated.WithLabelValues("invalid_token").Add(float64(n))
	}
	return n > 0
}

func (h *Handler) buildMessage(kind queue.Kind, item models.DispatchItem) push.Message {
	priority := push.PriorityHigh
	if kind == queue.KindBroadcastChunk || kind == queue.KindBatch {
		priority = push.PriorityNormal
	}

	data := map[string]string{
		DataNotificationID: strconv.FormatInt(item.NotificationID, 10),
		DataType:           strconv.Itoa(item.Type),
		DataLink:           h.config.DeepLinkType,
	}
	if item.EventID != nil {
		data[DataEventID] = strconv.FormatInt(*item.EventID, 10)
	}

	return push.Message{
		Token:    item.Token,
		Title:    item.Title,
		Body:     item.Body,
		Data:     data,
		Priority: priority,
	}
}
