// internal/push/sns.go
package push

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	commonaws "notification-dispatcher/internal/common/aws"
	apperrors "notification-dispatcher/internal/common/errors"
	"notification-dispatcher/internal/common/logger"
	"notification-dispatcher/internal/common/metrics"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/patrickmn/go-cache"
)

const ProviderSNS = "sns"

// SNSSender delivers through SNS mobile push: each device token maps to a
// platform endpoint under one platform application.
type SNSSender struct {
	api         commonaws.SNSAPI
	platformARN string
	batchSize   int
	endpoints   *cache.Cache
	logger      logger.Logger
}

func NewSNSSender(api commonaws.SNSAPI, platformARN string, batchSize int, log logger.Logger) *SNSSender {
	if batchSize <= 0 || batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}
	return &SNSSender{
		api:         api,
		platformARN: platformARN,
		batchSize:   batchSize,
		endpoints:   cache.New(24*time.Hour, time.Hour),
		logger:      log.WithFields(map[string]interface{}{"component": "push", "provider": ProviderSNS}),
	}
}

func (s *SNSSender) Name() string { return ProviderSNS }

func (s *SNSSender) SendOne(ctx context.Context, msg Message) (ItemResult, error) {
	res := s.send(ctx, msg)
	metrics.PushOutcomes.WithLabelValues(ProviderSNS, res.Outcome.String()).Inc()
	return res, nil
}

func (s *SNSSender) SendMany(ctx context.Context, msgs []Message) (BatchResult, error) {
	result := BatchResult{Items: make([]ItemResult, 0, len(msgs))}
	for start := 0; start < len(msgs); start += s.batchSize {
		end := start + s.batchSize
		if end > len(msgs) {
			end = len(msgs)
		}
		for _, msg := range msgs[start:end] {
			res, _ := s.SendOne(ctx, msg)
			result.add(res)
		}
	}
	return result, nil
}

func (s *SNSSender) send(ctx context.Context, msg Message) ItemResult {
	res := ItemResult{Token: msg.Token}

	arn, err := s.endpointFor(ctx, msg.Token)
	if err != nil {
		res.Outcome, res.Err = classifySNS(err)
		return res
	}

	payload, err := snsPayload(msg)
	if err != nil {
		res.Outcome, res.Err = Transient, apperrors.NewInternalError(err)
		return res
	}

	_, err = s.api.Publish(ctx, &sns.PublishInput{
		TargetArn:        aws.String(arn),
		Message:          aws.String(payload),
		MessageStructure: aws.String("json"),
	})
	if err != nil {
		res.Outcome, res.Err = classifySNS(err)
		if res.Outcome == InvalidToken {
			s.endpoints.Delete(msg.Token)
		}
		return res
	}

	res.Outcome = Success
	return res
}

func (s *SNSSender) endpointFor(ctx context.Context, token string) (string, error) {
	if arn, ok := s.endpoints.Get(token); ok {
		return arn.(string), nil
	}
	out, err := s.api.CreatePlatformEndpoint(ctx, &sns.CreatePlatformEndpointInput{
		PlatformApplicationArn: aws.String(s.platformARN),
		Token:                  aws.String(token),
	})
	if err != nil {
		return "", err
	}
	arn := aws.ToString(out.EndpointArn)
	s.endpoints.SetDefault(token, arn)
	return arn, nil
}

func snsPayload(msg Message) (string, error) {
	gcm, err := json.Marshal(buildRequest(msg).Message)
	if err != nil {
		return "", err
	}
	envelope, err := json.Marshal(map[string]string{
		"default": msg.Body,
		"GCM":     string(gcm),
	})
	if err != nil {
		return "", err
	}
	return string(envelope), nil
}

func classifySNS(err error) (Outcome, error) {
	var (
		disabled  *types.EndpointDisabledException
		invalid   *types.InvalidParameterException
		throttled *types.ThrottledException
	)
	switch {
	case errors.As(err, &disabled), errors.As(err, &invalid):
		return InvalidToken, apperrors.NewInvalidTokenError(err.Error())
	case errors.As(err, &throttled):
		return RateLimited, apperrors.NewRateLimitedError(err.Error())
	default:
		return Transient, apperrors.NewTransientError(ProviderSNS, err)
	}
}
