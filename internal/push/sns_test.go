// internal/push/sns_test.go
package push

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	apperrors "notification-dispatcher/internal/common/errors"
	"notification-dispatcher/internal/common/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSNS struct {
	CreatePlatformEndpointFunc func(ctx context.Context, params *sns.CreatePlatformEndpointInput) (*sns.CreatePlatformEndpointOutput, error)
	PublishFunc                func(ctx context.Context, params *sns.PublishInput) (*sns.PublishOutput, error)
	creates                    int
}

func (m *mockSNS) CreatePlatformEndpoint(ctx context.Context, params *sns.CreatePlatformEndpointInput, _ ...func(*sns.Options)) (*sns.CreatePlatformEndpointOutput, error) {
	m.creates++
	if m.CreatePlatformEndpointFunc != nil {
		return m.CreatePlatformEndpointFunc(ctx, params)
	}
	return &sns.CreatePlatformEndpointOutput{EndpointArn: aws.String("arn:endpoint/" + aws.ToString(params.Token))}, nil
}

func (m *mockSNS) Publish(ctx context.Context, params *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, params)
	}
	return &sns.PublishOutput{MessageId: aws.String("m-1")}, nil
}

func TestSNSSender_SendOnePublishesJSONEnvelope(t *testing.T) {
	var published *sns.PublishInput
	api := &mockSNS{PublishFunc: func(ctx context.Context, params *sns.PublishInput) (*sns.PublishOutput, error) {
		published = params
		return &sns.PublishOutput{}, nil
	}}
	sender := NewSNSSender(api, "arn:app/fcm", 0, logger.NewNoOpLogger())

	res, err := sender.SendOne(context.Background(), Message{Token: "tok-1", Title: "Coupure", Body: "Demain"})

	require.NoError(t, err)
	assert.Equal(t, Success, res.Outcome)
	require.NotNil(t, published)
	assert.Equal(t, "arn:endpoint/tok-1", aws.ToString(published.TargetArn))
	assert.Equal(t, "json", aws.ToString(published.MessageStructure))

	var envelope map[string]string
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(published.Message)), &envelope))
	assert.Equal(t, "Demain", envelope["default"])
	assert.Contains(t, envelope["GCM"], `"title":"Coupure"`)
}

func TestSNSSender_CachesEndpoints(t *testing.T) {
	api := &mockSNS{}
	sender := NewSNSSender(api, "arn:app/fcm", 0, logger.NewNoOpLogger())

	res, err := sender.SendMany(context.Background(), []Message{{Token: "a"}, {Token: "a"}, {Token: "b"}})

	require.NoError(t, err)
	assert.Equal(t, 3, res.SuccessCount)
	assert.Equal(t, 2, api.creates)
}

func TestSNSSender_Classification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
		code apperrors.ErrorCode
	}{
		{"endpoint disabled", &types.EndpointDisabledException{Message: aws.String("disabled")}, InvalidToken, apperrors.ErrCodeInvalidToken},
		{"invalid parameter", &types.InvalidParameterException{Message: aws.String("bad token")}, InvalidToken, apperrors.ErrCodeInvalidToken},
		{"throttled", &types.ThrottledException{Message: aws.String("slow down")}, RateLimited, apperrors.ErrCodeRateLimited},
		{"network", errors.New("connection reset"), Transient, apperrors.ErrCodeTransientFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &mockSNS{PublishFunc: func(ctx context.Context, params *sns.PublishInput) (*sns.PublishOutput, error) {
				return nil, tt.err
			}}
			sender := NewSNSSender(api, "arn:app/fcm", 0, logger.NewNoOpLogger())

			res, err := sender.SendOne(context.Background(), Message{Token: "tok"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Outcome)
			assert.Equal(t, tt.code, apperrors.CodeOf(res.Err))
		})
	}
}

func TestSNSSender_InvalidTokenDropsCachedEndpoint(t *testing.T) {
	calls := 0
	api := &mockSNS{PublishFunc: func(ctx context.Context, params *sns.PublishInput) (*sns.PublishOutput, error) {
		calls++
		if calls == 1 {
			return nil, &types.EndpointDisabledException{Message: aws.String("disabled")}
		}
		return &sns.PublishOutput{}, nil
	}}
	sender := NewSNSSender(api, "arn:app/fcm", 0, logger.NewNoOpLogger())
	ctx := context.Background()

	_, _ = sender.SendOne(ctx, Message{Token: "tok"})
	_, _ = sender.SendOne(ctx, Message{Token: "tok"})

	assert.Equal(t, 2, api.creates)
}

func TestSNSSender_EndpointCreationFailure(t *testing.T) {
	api := &mockSNS{CreatePlatformEndpointFunc: func(ctx context.Context, params *sns.CreatePlatformEndpointInput) (*sns.CreatePlatformEndpointOutput, error) {
		return nil, &types.InvalidParameterException{Message: aws.String("Invalid token")}
	}}
	sender := NewSNSSender(api, "arn:app/fcm", 0, logger.NewNoOpLogger())

	res, err := sender.SendOne(context.Background(), Message{Token: "garbage"})
	require.NoError(t, err)
	assert.Equal(t, InvalidToken, res.Outcome)
}
