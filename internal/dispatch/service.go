// internal/dispatch/service.go
package dispatch

import (
	"context"
	"time"

	apperrors "notification-dispatcher/internal/common/errors"
	"notification-dispatcher/internal/common/logger"
	"notification-dispatcher/internal/fanout"
	"notification-dispatcher/internal/idempotency"
	"notification-dispatcher/internal/models"
	"notification-dispatcher/internal/presence"
	"notification-dispatcher/internal/queue"
	"notification-dispatcher/internal/storage"
)

const DefaultBatchThreshold = 500

// Result statuses.
const (
	StatusDispatched    = "dispatched"
	StatusNoRecipients  = "no_recipients"
	StatusInvalidTarget = "invalid_target"
	StatusProcessing    = "processing"
	StatusPartial       = "partially_scheduled"
)

type SubmitRequest struct {
	Target  models.Target `json:"target"`
	Title   string        `json:"title"`
	Body    string        `json:"body"`
	Type    int           `json:"type"`
	EventID *int64        `json:"event_id,omitempty"`
	ActorID *int64        `json:"actor_id,omitempty"`
	Urgent  bool          `json:"urgent,omitempty"`
}

func (r SubmitRequest) content() models.NotificationContent {
	return models.NotificationContent{
		Type:    r.Type,
		EventID: r.EventID,
		ActorID: r.ActorID,
		Title:   r.Title,
		Body:    r.Body,
	}
}

func (r SubmitRequest) validate() error {
	if err := r.Target.Validate(); err != nil {
		return apperrors.NewInvalidRequestError(err.Error())
	}
	switch {
	case r.Title == "":
		return apperrors.NewInvalidRequestError("title is required")
	case r.Body == "":
		return apperrors.NewInvalidRequestError("body is required")
	case r.Type <= 0:
		return apperrors.NewInvalidRequestError("type must be positive")
	}
	return nil
}

type SubmitResult struct {
	// NotificationID is the record id for single-record targets (one user or
	// the global broadcast record).
	NotificationID    int64    `json:"notificationId,omitempty"`
	NotificationIDs   []int64  `json:"notificationIds,omitempty"`
	DispatchJobIDs    []string `json:"dispatchJobIds"`
	Duplicate         bool     `json:"duplicate"`
	Status            string   `json:"status"`
	Recipients        int      `json:"recipients"`
	Tokens            int      `json:"tokens"`
	PresenceDelivered int      `json:"presenceDelivered"`
}

// JobQueue is the part of the worker pool the service uses.
type JobQueue interface {
	Enqueue(spec queue.Spec, delay time.Duration) (string, error)
	Status(jobID string) (queue.JobStatus, error)
}

// BroadcastScheduler spreads large item sets over staggered chunks.
type BroadcastScheduler interface {
	Schedule(items []models.DispatchItem) ([]string, error)
}

// Presence is the real-time channel.
type Presence interface {
	DeliverToUser(userID int64, payload interface{}) int
	DeliverBroadcast(payload interface{}, subset []int64) int
}

type Options struct {
	// BatchThreshold is the largest token count sent as one Batch job; larger
	// group targets go through the broadcast scheduler.
	BatchThreshold int
}

// Service turns notification submissions into stored records and dispatch
// jobs, suppressing duplicates inside the idempotency window.
type Service struct {
	guard     *idempotency.Guard
	planner   *fanout.Planner
	records   storage.NotificationStore
	queue     JobQueue
	scheduler BroadcastScheduler
	presence  Presence
	opts      Options
	logger    logger.Logger
}

func NewService(
	guard *idempotency.Guard,
	planner *fanout.Planner,
	records storage.NotificationStore,
	q JobQueue,
	scheduler BroadcastScheduler,
	presence Presence,
	opts Options,
	log logger.Logger,
) *Service {
	if opts.BatchThreshold <= 0 {
		opts.BatchThreshold = DefaultBatchThreshold
	}
	return &Service{
		guard:     guard,
		planner:   planner,
		records:   records,
		queue:     q,
		scheduler: scheduler,
		presence:  presence,
		opts:      opts,
		logger:    log.WithFields(map[string]interface{}{"component": "dispatch"}),
	}
}

// Submit processes one notification. A duplicate inside the window returns
// the first submission's result without creating records or jobs.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	content := req.content()
	key := idempotency.Key(req.Target.Key(), req.Title, req.Body, req.Type, content.EventIDOrZero())

	if s.guard.Check(ctx, key) == idempotency.Duplicate {
		var cached SubmitResult
		if !s.guard.GetCachedResult(ctx, key, &cached) {
			cached = SubmitResult{Status: StatusProcessing, DispatchJobIDs: []string{}}
		}
		cached.Duplicate = true
		s.logger.Info("duplicate submission suppressed", map[string]interface{}{
			"target": req.Target.String(),
			"status": cached.Status,
			"code":   string(apperrors.NewDuplicateSubmissionError(key).Code),
		})
		return &cached, nil
	}

	result, err := s.process(ctx, req, content)
	if err != nil {
		s.guard.Release(ctx, key)
		return nil, err
	}
	s.guard.MarkProcessed(ctx, key, result, 0)

	s.logger.Info("notification submitted", map[string]interface{}{
		"target":            req.Target.String(),
		"status":            result.Status,
		"recipients":        result.Recipients,
		"tokens":            result.Tokens,
		"jobs":              len(result.DispatchJobIDs),
		"presenceDelivered": result.PresenceDelivered,
	})
	return result, nil
}

func (s *Service) process(ctx context.Context, req SubmitRequest, content models.NotificationContent) (*SubmitResult, error) {
	result := &SubmitResult{DispatchJobIDs: []string{}}

	// A single user's record is history: it is written even when the user
	// cannot be reached, and only a user unknown to storage skips it.
	var records fanout.RecordIDs
	if req.Target.Kind == models.TargetSingle {
		userID := req.Target.UserID
		id, err := s.records.CreateNotificationRecord(ctx, &userID, content)
		if apperrors.CodeOf(err) == apperrors.ErrCodeInvalidTarget {
			return s.invalidTarget(req, result, err), nil
		}
		if err != nil {
			return nil, err
		}
		result.NotificationID = id
		result.NotificationIDs = []int64{id}
		records = fanout.RecordIDs{PerUser: map[int64]int64{userID: id}}
	}

	plan, err := s.planner.Plan(ctx, req.Target)
	if err != nil {
		return nil, err
	}
	result.Recipients = len(plan.UserIDs)
	result.Tokens = len(plan.Tokens)

	// Group targets have no addressee to hold a record when nobody resolves.
	if plan.Empty() {
		return s.invalidTarget(req, result, apperrors.NewInvalidTargetError(req.Target.String())), nil
	}

	if req.Target.Kind != models.TargetSingle {
		if records, err = s.createRecords(ctx, req.Target, plan, content, result); err != nil {
			return nil, err
		}
	}

	result.PresenceDelivered = s.deliverPresence(req.Target, plan, records, content)

	items := fanout.Attach(plan, records, content)
	if len(items) == 0 {
		result.Status = StatusNoRecipients
		return result, nil
	}

	ids, err := s.route(req, items)
	result.DispatchJobIDs = append(result.DispatchJobIDs, ids...)
	switch {
	case err == nil:
		result.Status = StatusDispatched
	case len(ids) > 0:
		result.Status = StatusPartial
		s.logger.Error("broadcast partially scheduled", map[string]interface{}{
			"target":    req.Target.String(),
			"scheduled": len(ids),
			"error":     err.Error(),
		})
	default:
		return nil, err
	}
	return result, nil
}

func (s *Service) invalidTarget(req SubmitRequest, result *SubmitResult, err error) *SubmitResult {
	result.Status = StatusInvalidTarget
	s.logger.Warn("no users for target", map[string]interface{}{
		"target":         req.Target.String(),
		"notificationId": result.NotificationID,
		"error":          err.Error(),
	})
	return result
}

// createRecords writes the records of group and global targets.
func (s *Service) createRecords(ctx context.Context, target models.Target, plan *fanout.Plan, content models.NotificationContent, result *SubmitResult) (fanout.RecordIDs, error) {
	if target.Kind == models.TargetAllUsers {
		id, err := s.records.CreateNotificationRecord(ctx, nil, content)
		if err != nil {
			return fanout.RecordIDs{}, err
		}
		result.NotificationID = id
		return fanout.RecordIDs{Global: id}, nil
	}

	ids, err := s.records.CreateNotificationRecords(ctx, plan.UserIDs, content)
	if err != nil {
		return fanout.RecordIDs{}, err
	}
	for _, userID := range plan.UserIDs {
		if id, ok := ids[userID]; ok {
			result.NotificationIDs = append(result.NotificationIDs, id)
		}
	}
	return fanout.RecordIDs{PerUser: ids}, nil
}

func (s *Service) deliverPresence(target models.Target, plan *fanout.Plan, records fanout.RecordIDs, content models.NotificationContent) int {
	if s.presence == nil {
		return 0
	}
	if target.IsGlobal() {
		return s.presence.DeliverBroadcast(presence.NewEvent(presence.EventBroadcastNotification, records.Global, content), nil)
	}
	delivered := 0
	for _, userID := range plan.UserIDs {
		delivered += s.presence.DeliverToUser(userID, presence.NewEvent(presence.EventNewNotification, records.For(userID), content))
	}
	return delivered
}

// route picks the lane: a single user goes to Single (Urgent on request),
// meter owners to Urgent, agency targets to one Batch job up to the
// threshold, and everything larger or global through the scheduler.
func (s *Service) route(req SubmitRequest, items []models.DispatchItem) ([]string, error) {
	var kind queue.Kind
	switch req.Target.Kind {
	case models.TargetSingle:
		kind = queue.KindSingle
		if req.Urgent {
			kind = queue.KindUrgent
		}
	case models.TargetMeterOwners:
		kind = queue.KindUrgent
	case models.TargetAgency, models.TargetAllAgencies:
		if len(items) > s.opts.BatchThreshold {
			return s.scheduler.Schedule(items)
		}
		kind = queue.KindBatch
	default:
		return s.scheduler.Schedule(items)
	}

	id, err := s.queue.Enqueue(queue.Spec{Kind: kind, Label: req.Target.String(), Items: items}, 0)
	if err != nil {
		return nil, err
	}
	return []string{id}, nil
}

// TaskStatus reports a dispatch job's state and outcome summary.
func (s *Service) TaskStatus(jobID string) (queue.JobStatus, error) {
	return s.queue.Status(jobID)
}
