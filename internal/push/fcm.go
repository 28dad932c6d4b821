// internal/push/fcm.go
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	apperrors "notification-dispatcher/internal/common/errors"
	"notification-dispatcher/internal/common/logger"
	"notification-dispatcher/internal/common/metrics"

	"golang.org/x/time/rate"
)

const (
	ProviderFCM = "fcm"

	// MaxBatchSize is the provider's per-call message limit.
	MaxBatchSize = 500

	DefaultFCMEndpoint = "https://fcm.googleapis.com"
)

type FCMOptions struct {
	Endpoint  string
	BatchSize int
	// RateLimit caps sends per second; 0 disables client-side limiting.
	RateLimit float64
}

// FCMClient sends through the FCM HTTP v1 API.
type FCMClient struct {
	creds     *CredentialCache
	endpoint  string
	batchSize int
	limiter   *rate.Limiter
	logger    logger.Logger
}

func NewFCMClient(creds *CredentialCache, opts FCMOptions, log logger.Logger) *FCMClient {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultFCMEndpoint
	}
	if opts.BatchSize <= 0 || opts.BatchSize > MaxBatchSize {
		opts.BatchSize = MaxBatchSize
	}
	c := &FCMClient{
		creds:     creds,
		endpoint:  strings.TrimRight(opts.Endpoint, "/"),
		batchSize: opts.BatchSize,
		logger:    log.WithFields(map[string]interface{}{"component": "push", "provider": ProviderFCM}),
	}
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return c
}

func (c *FCMClient) Name() string { return ProviderFCM }

func (c *FCMClient) SendOne(ctx context.Context, msg Message) (ItemResult, error) {
	creds, err := c.creds.Get(ctx)
	if err != nil {
		return ItemResult{Token: msg.Token, Outcome: Transient, Err: err}, err
	}
	res, unauthorized := c.send(ctx, creds, msg)
	if unauthorized {
		c.creds.Invalidate()
	}
	return res, nil
}

// SendMany sends msgs in chunks of the batch size, one request per message
// over the shared transport. On a credential failure the remaining messages
// are reported Transient and the error is returned.
func (c *FCMClient) SendMany(ctx context.Context, msgs []Message) (BatchResult, error) {
	result := BatchResult{Items: make([]ItemResult, 0, len(msgs))}

	for start := 0; start < len(msgs); start += c.batchSize {
		end := start + c.batchSize
		if end > len(msgs) {
			end = len(msgs)
		}

		creds, err := c.creds.Get(ctx)
		if err != nil {
			c.failRemaining(&result, msgs[start:], err)
			return result, err
		}

		for i, msg := range msgs[start:end] {
			res, unauthorized := c.send(ctx, creds, msg)
			result.add(res)
			if !unauthorized {
				continue
			}
			c.creds.Invalidate()
			if creds, err = c.creds.Get(ctx); err != nil {
				c.failRemaining(&result, msgs[start+i+1:], err)
				return result, err
			}
		}

		c.logger.Debug("chunk sent", map[string]interface{}{
			"chunkStart": start,
			"chunkSize":  end - start,
			"success":    result.SuccessCount,
			"failure":    result.FailureCount,
		})
	}
	return result, nil
}

func (c *FCMClient) failRemaining(result *BatchResult, msgs []Message, err error) {
	for _, msg := range msgs {
		result.add(ItemResult{Token: msg.Token, Outcome: Transient, Err: err})
	}
}

type fcmRequest struct {
	Message fcmMessage `json:"message"`
}

type fcmMessage struct {
	Token        string            `json:"token"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
	Android      fcmAndroid        `json:"android"`
	APNS         fcmAPNS           `json:"apns"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmAndroid struct {
	Priority string `json:"priority"`
}

type fcmAPNS struct {
	Headers map[string]string `json:"headers"`
}

type fcmErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type      string `json:"@type"`
			ErrorCode string `json:"errorCode"`
		} `json:"details"`
	} `json:"error"`
}

func buildRequest(msg Message) fcmRequest {
	apnsPriority := "10"
	if msg.Priority == PriorityNormal {
		apnsPriority = "5"
	}
	priority := string(msg.Priority)
	if priority == "" {
		priority = string(PriorityHigh)
	}
	return fcmRequest{Message: fcmMessage{
		Token:        msg.Token,
		Notification: fcmNotification{Title: msg.Title, Body: msg.Body},
		Data:         msg.Data,
		Android:      fcmAndroid{Priority: priority},
		APNS:         fcmAPNS{Headers: map[string]string{"apns-priority": apnsPriority}},
	}}
}

// send posts one message. unauthorized reports a 401, after which the
// cached credential must not be reused.
func (c *FCMClient) send(ctx context.Context, creds *Credentials, msg Message) (res ItemResult, unauthorized bool) {
	res = ItemResult{Token: msg.Token}
	defer func() {
		metrics.PushOutcomes.WithLabelValues(ProviderFCM, res.Outcome.String()).Inc()
	}()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			res.Outcome, res.Err = Transient, apperrors.NewTransientError(ProviderFCM, err)
			return res, false
		}
	}

	url := fmt.Sprintf("%s/v1/projects/%s/messages:send", c.endpoint, creds.ProjectID)
	status, body, err := creds.Client.PostJSON(ctx, url,
		map[string]string{"Authorization": "Bearer " + creds.AccessToken},
		buildRequest(msg))
	if err != nil {
		res.Outcome, res.Err = Transient, apperrors.NewTransientError(ProviderFCM, err)
		return res, false
	}

	res.Outcome, res.Err = classifyFCM(status, body)
	if res.Outcome == InvalidToken {
		c.logger.Info("token rejected by provider", map[string]interface{}{
			"status": status,
			"token":  redact(msg.Token),
		})
	}
	return res, status == http.StatusUnauthorized
}

// classifyFCM maps an HTTP v1 response onto an outcome.
func classifyFCM(status int, body []byte) (Outcome, error) {
	if status >= 200 && status < 300 {
		return Success, nil
	}

	var parsed fcmErrorResponse
	_ = json.Unmarshal(body, &parsed)

	code := parsed.Error.Status
	for _, d := range parsed.Error.Details {
		if d.ErrorCode != "" {
			code = d.ErrorCode
			break
		}
	}
	detail := fmt.Sprintf("status %d %s: %s", status, code, parsed.Error.Message)

	switch code {
	case "UNREGISTERED", "INVALID_ARGUMENT", "SENDER_ID_MISMATCH":
		return InvalidToken, apperrors.NewInvalidTokenError(detail)
	case "QUOTA_EXCEEDED", "RESOURCE_EXHAUSTED":
		return RateLimited, apperrors.NewRateLimitedError(detail)
	}

	switch status {
	case http.StatusNotFound:
		return InvalidToken, apperrors.NewInvalidTokenError(detail)
	case http.StatusTooManyRequests:
		return RateLimited, apperrors.NewRateLimitedError(detail)
	default:
		return Transient, apperrors.NewTransientError(ProviderFCM, errors.New(detail))
	}
}

func redact(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
