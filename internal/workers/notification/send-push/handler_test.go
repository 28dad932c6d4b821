// internal/workers/notification/send-push/handler_test.go
package sendpush

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"notification-dispatcher/internal/common/config"
	apperrors "notification-dispatcher/internal/common/errors"
	"notification-dispatcher/internal/common/logger"
	"notification-dispatcher/internal/models"
	"notification-dispatcher/internal/push"
	"notification-dispatcher/internal/queue"
	"notification-dispatcher/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Mock Implementations
// ==========================

type MockSender struct {
	SendOneFunc  func(ctx context.Context, msg push.Message) (push.ItemResult, error)
	SendManyFunc func(ctx context.Context, msgs []push.Message) (push.BatchResult, error)
}

func (m *MockSender) Name() string { return "mock" }

func (m *MockSender) SendOne(ctx context.Context, msg push.Message) (push.ItemResult, error) {
	return m.SendOneFunc(ctx, msg)
}

func (m *MockSender) SendMany(ctx context.Context, msgs []push.Message) (push.BatchResult, error) {
	return m.SendManyFunc(ctx, msgs)
}

// outcomesByToken answers SendMany from a token -> outcome table.
func outcomesByToken(table map[string]push.Outcome) func(ctx context.Context, msgs []push.Message) (push.BatchResult, error) {
	return func(ctx context.Context, msgs []push.Message) (push.BatchResult, error) {
		var res push.BatchResult
		for _, m := range msgs {
			o := table[m.Token]
			res.Items = append(res.Items, push.ItemResult{Token: m.Token, Outcome: o})
			if o == push.Success {
				res.SuccessCount++
			} else {
				res.FailureCount++
			}
		}
		return res, nil
	}
}

// ==========================
// Test Helper Functions
// ==========================

func createTestConfig() *Config {
	return &Config{Timeout: time.Second, DeepLinkType: "notification"}
}

func createTestTask(kind queue.Kind, tokens ...string) queue.Task {
	event := int64(41)
	items := make([]models.DispatchItem, len(tokens))
	for i, tok := range tokens {
		items[i] = models.DispatchItem{
			Token:          tok,
			UserID:         int64(i + 1),
			NotificationID: 900,
			Type:           2,
			EventID:        &event,
			Title:          "Coupure",
			Body:           "Demain 9h",
		}
	}
	return queue.Task{JobID: "job-1", Kind: kind, Attempt: 1, Items: items}
}

// ==========================
// Tests
// ==========================

func TestHandler_AllDelivered(t *testing.T) {
	sender := &MockSender{SendManyFunc: outcomesByToken(map[string]push.Outcome{})}
	handler := NewHandler(createTestConfig(), sender, storage.NewMemoryStore(), logger.NewTestLogger(t))

	res := handler.Execute(context.Background(), createTestTask(queue.KindBatch, "a", "b", "c"))

	assert.NoError(t, res.Err)
	assert.Equal(t, 3, res.Delivered)
	assert.Empty(t, res.Retry)
	assert.False(t, res.RateLimited)
}

func TestHandler_SingleItemUsesSendOne(t *testing.T) {
	var got push.Message
	sender := &MockSender{
		SendOneFunc: func(ctx context.Context, msg push.Message) (push.ItemResult, error) {
			got = msg
			return push.ItemResult{Token: msg.Token, Outcome: push.Success}, nil
		},
		SendManyFunc: func(ctx context.Context, msgs []push.Message) (push.BatchResult, error) {
			t.Fatal("SendMany must not be used for one item")
			return push.BatchResult{}, nil
		},
	}
	handler := NewHandler(createTestConfig(), sender, storage.NewMemoryStore(), logger.NewTestLogger(t))

	res := handler.Execute(context.Background(), createTestTask(queue.KindUrgent, "tok"))

	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, push.PriorityHigh, got.Priority)
	assert.Equal(t, "900", got.Data[DataNotificationID])
	assert.Equal(t, "41", got.Data[DataEventID])
	assert.Equal(t, "2", got.Data[DataType])
}

func TestHandler_InvalidTokenDeactivatesSessionsAndIsFinal(t *testing.T) {
	store := storage.NewMemoryStore()
	now := time.Now()
	a := store.AddSession(1, "phone", "dead", true, now)
	b := store.AddSession(2, "phone", "dead", true, now)
	live := store.AddSession(3, "phone", "alive", true, now)

	sender := &MockSender{SendManyFunc: outcomesByToken(map[string]push.Outcome{"dead": push.InvalidToken})}
	handler := NewHandler(createTestConfig(), sender, store, logger.NewTestLogger(t))

	res := handler.Execute(context.Background(), createTestTask(queue.KindBatch, "dead", "alive"))

	assert.Equal(t, 1, res.InvalidTokens)
	assert.Equal(t, 1, res.Delivered)
	assert.Empty(t, res.Retry, "invalid tokens are never retried")

	for _, id := range []int64{a.ID, b.ID} {
		s, _ := store.Session(id)
		assert.False(t, s.Active)
	}
	s, _ := store.Session(live.ID)
	assert.True(t, s.Active)
}

func TestHandler_RetryableItemsAreReturned(t *testing.T) {
	sender := &MockSender{SendManyFunc: outcomesByToken(map[string]push.Outcome{
		"busy":  push.RateLimited,
		"flaky": push.Transient,
	})}
	handler := NewHandler(createTestConfig(), sender, storage.NewMemoryStore(), logger.NewTestLogger(t))

	res := handler.Execute(context.Background(), createTestTask(queue.KindBroadcastChunk, "ok", "busy", "flaky"))

	require.Len(t, res.Retry, 2)
	assert.Equal(t, "busy", res.Retry[0].Token)
	assert.Equal(t, "flaky", res.Retry[1].Token)
	assert.True(t, res.RateLimited)
	assert.Equal(t, 1, res.Delivered)
}

func TestHandler_CredentialFailureIsHard(t *testing.T) {
	credErr := apperrors.NewCredentialFailureError(errors.New("invalid_grant"))
	sender := &MockSender{SendManyFunc: func(ctx context.Context, msgs []push.Message) (push.BatchResult, error) {
		res := push.BatchResult{}
		for _, m := range msgs {
			res.Items = append(res.Items, push.ItemResult{Token: m.Token, Outcome: push.Transient, Err: credErr})
			res.FailureCount++
		}
		return res, credErr
	}}
	handler := NewHandler(createTestConfig(), sender, storage.NewMemoryStore(), logger.NewTestLogger(t))

	res := handler.Execute(context.Background(), createTestTask(queue.KindBatch, "a", "b"))

	require.Error(t, res.Err)
	assert.Equal(t, apperrors.ErrCodeCredentialFailure, apperrors.CodeOf(res.Err))
	assert.Len(t, res.Retry, 2)
}

func TestHandler_AbandonedCredentialWaitIsRetried(t *testing.T) {
	waitErr := apperrors.NewTransientError("credentials", context.Canceled)
	sender := &MockSender{SendManyFunc: func(ctx context.Context, msgs []push.Message) (push.BatchResult, error) {
		res := push.BatchResult{}
		for _, m := range msgs {
			res.Items = append(res.Items, push.ItemResult{Token: m.Token, Outcome: push.Transient, Err: waitErr})
			res.FailureCount++
		}
		return res, waitErr
	}}
	handler := NewHandler(createTestConfig(), sender, storage.NewMemoryStore(), logger.NewTestLogger(t))

	res := handler.Execute(context.Background(), createTestTask(queue.KindBatch, "a", "b"))

	assert.NoError(t, res.Err)
	assert.Len(t, res.Retry, 2)
}

func TestHandler_ShortBatchResultRetriesMissingItems(t *testing.T) {
	sender := &MockSender{SendManyFunc: func(ctx context.Context, msgs []push.Message) (push.BatchResult, error) {
		return push.BatchResult{Items: []push.ItemResult{{Token: msgs[0].Token, Outcome: push.Success}}, SuccessCount: 1}, nil
	}}
	handler := NewHandler(createTestConfig(), sender, storage.NewMemoryStore(), logger.NewTestLogger(t))

	res := handler.Execute(context.Background(), createTestTask(queue.KindBatch, "a", "b", "c"))
	assert.Equal(t, 1, res.Delivered)
	assert.Len(t, res.Retry, 2)
}

type failingDeactivator struct{}

func (failingDeactivator) DeactivateSessionsByToken(ctx context.Context, token string, excludingUser *int64) (int64, error) {
	return 0, fmt.Errorf("deactivate: %w", errors.New("connection refused"))
}

func TestHandler_DeactivationFailureStillFinal(t *testing.T) {
	sender := &MockSender{SendManyFunc: outcomesByToken(map[string]push.Outcome{"dead": push.InvalidToken, "dead2": push.InvalidToken})}
	handler := NewHandler(createTestConfig(), sender, failingDeactivator{}, logger.NewTestLogger(t))

	res := handler.Execute(context.Background(), createTestTask(queue.KindBatch, "dead", "dead2"))
	assert.Equal(t, 2, res.InvalidTokens)
	assert.Empty(t, res.Retry)
}

func TestLoadConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Push.RequestTimeout = 5000
	cfg.Push.BatchSize = 10
	assert.Equal(t, 50*time.Second, LoadConfig(cfg).Timeout)

	cfg.Push.BatchSize = 500
	assert.Equal(t, 2*time.Minute, LoadConfig(cfg).Timeout)

	assert.Equal(t, 2*time.Minute, LoadConfig(nil).Timeout)
}

func TestBuildMessage_PriorityByKind(t *testing.T) {
	handler := NewHandler(createTestConfig(), &MockSender{}, storage.NewMemoryStore(), logger.NewNoOpLogger())
	item := models.DispatchItem{Token: "t", NotificationID: 1}

	assert.Equal(t, push.PriorityHigh, handler.buildMessage(queue.KindUrgent, item).Priority)
	assert.Equal(t, push.PriorityHigh, handler.buildMessage(queue.KindSingle, item).Priority)
	assert.Equal(t, push.PriorityNormal, handler.buildMessage(queue.KindBatch, item).Priority)
	assert.Equal(t, push.PriorityNormal, handler.buildMessage(queue.KindBroadcastChunk, item).Priority)
	_, hasEvent := handler.buildMessage(queue.KindSingle, item).Data[DataEventID]
	assert.False(t, hasEvent)
}
