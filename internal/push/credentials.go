// internal/push/credentials.go
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	apperrors "notification-dispatcher/internal/common/errors"
	commonhttp "notification-dispatcher/internal/common/http"
	"notification-dispatcher/internal/common/logger"
	"notification-dispatcher/internal/common/metrics"

	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
	"golang.org/x/sync/singleflight"
)

const FirebaseMessagingScope = "https://www.googleapis.com/auth/firebase.messaging"

// Credentials is the cached provider access: transport, bearer token, its
// expiry and the provider project.
type Credentials struct {
	Client      *commonhttp.Client
	AccessToken string
	Expiry      time.Time
	ProjectID   string
}

// TokenSource fetches a new access token. A zero expiry means the provider
// did not report one.
type TokenSource interface {
	Token(ctx context.Context) (string, time.Time, error)
}

// ServiceAccountSource mints tokens from a service-account key file.
type ServiceAccountSource struct {
	conf      *jwt.Config
	projectID string
}

func NewServiceAccountSource(keyJSON []byte) (*ServiceAccountSource, error) {
	conf, err := google.JWTConfigFromJSON(keyJSON, FirebaseMessagingScope)
	if err != nil {
		return nil, fmt.Errorf("parse service account: %w", err)
	}
	var meta struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(keyJSON, &meta); err != nil {
		return nil, fmt.Errorf("parse service account: %w", err)
	}
	return &ServiceAccountSource{conf: conf, projectID: meta.ProjectID}, nil
}

// Token always performs a fresh exchange; caching is the CredentialCache's job.
func (s *ServiceAccountSource) Token(ctx context.Context) (string, time.Time, error) {
	tok, err := s.conf.TokenSource(ctx).Token()
	if err != nil {
		return "", time.Time{}, err
	}
	return tok.AccessToken, tok.Expiry, nil
}

func (s *ServiceAccountSource) ProjectID() string {
	return s.projectID
}

type CredentialOptions struct {
	// RefreshMargin is how long before expiry a token stops being served.
	RefreshMargin time.Duration
	// TokenLifetime is assumed when the source reports no expiry.
	TokenLifetime time.Duration
	// RefreshTimeout bounds one token exchange, independent of any caller.
	RefreshTimeout time.Duration
}

// CredentialCache serves one shared credential and refreshes it before it
// expires. Valid reads are a single atomic load; a refresh runs at most once
// at a time and concurrent callers wait for its result.
type CredentialCache struct {
	source    TokenSource
	client    *commonhttp.Client
	projectID string
	margin    time.Duration
	lifetime  time.Duration
	timeout   time.Duration
	now       func() time.Time
	logger    logger.Logger

	current   atomic.Pointer[Credentials]
	group     singleflight.Group
	refreshes atomic.Int64
}

func NewCredentialCache(source TokenSource, client *commonhttp.Client, projectID string, opts CredentialOptions, log logger.Logger) *CredentialCache {
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = 5 * time.Minute
	}
	if opts.TokenLifetime <= 0 {
		opts.TokenLifetime = 55 * time.Minute
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 30 * time.Second
	}
	return &CredentialCache{
		source:    source,
		client:    client,
		projectID: projectID,
		margin:    opts.RefreshMargin,
		lifetime:  opts.TokenLifetime,
		timeout:   opts.RefreshTimeout,
		now:       time.Now,
		logger:    log.WithFields(map[string]interface{}{"component": "credentials"}),
	}
}

// Get returns a credential valid for at least the refresh margin. The
// shared refresh runs detached from ctx, so a caller giving up never fails
// the others waiting on it.
func (c *CredentialCache) Get(ctx context.Context) (*Credentials, error) {
	if cur := c.current.Load(); cur != nil && c.fresh(cur) {
		return cur, nil
	}

	ch := c.group.DoChan("refresh", func() (interface{}, error) {
		if cur := c.current.Load(); cur != nil && c.fresh(cur) {
			return cur, nil
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.refresh(rctx)
	})

	select {
	case <-ctx.Done():
		return nil, apperrors.NewTransientError("credentials", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Credentials), nil
	}
}

// Invalidate drops the cached token, e.g. after the provider answered 401.
func (c *CredentialCache) Invalidate() {
	c.current.Store(nil)
}

// RefreshCount returns how many refreshes were attempted.
func (c *CredentialCache) RefreshCount() int64 {
	return c.refreshes.Load()
}

func (c *CredentialCache) fresh(cred *Credentials) bool {
	return c.now().Add(c.margin).Before(cred.Expiry)
}

func (c *CredentialCache) refresh(ctx context.Context) (*Credentials, error) {
	c.refreshes.Add(1)

	token, expiry, err := c.source.Token(ctx)
	if err != nil {
		metrics.CredentialRefreshes.WithLabelValues("failure").Inc()
		if stale := c.current.Load(); stale != nil && c.now().Before(stale.Expiry) {
			c.logger.Warn("credential refresh failed, serving token until hard expiry", map[string]interface{}{
				"expiry": stale.Expiry,
				"error":  err.Error(),
			})
			return stale, nil
		}
		c.logger.Error("credential refresh failed", map[string]interface{}{"error": err.Error()})
		return nil, apperrors.NewCredentialFailureError(err)
	}

	if expiry.IsZero() {
		expiry = c.now().Add(c.lifetime)
	}
	cred := &Credentials{
		Client:      c.client,
		AccessToken: token,
		Expiry:      expiry,
		ProjectID:   c.projectID,
	}
	c.current.Store(cred)
	metrics.CredentialRefreshes.WithLabelValues("success").Inc()
	c.logger.Info("credential refreshed", map[string]interface{}{"expiry": expiry})
	return cred, nil
}
