package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/franzego/guardwire/internal/config"
	"github.com/franzego/guardwire/internal/models"
	"github.com/franzego/guardwire/internal/queue"
	"github.com/franzego/guardwire/internal/subscription"
)

const (
	EmergencyCommunicationFailure = "communication_failure"

	resultKeyPrefix = "notification:result:"
)

// Orchestrator turns domain events into ranked multi-channel delivery
// attempts with tracking, retry and escalation. It is the only writer of
// delivery results.
type Orchestrator struct {
	cfg      config.NotificationConfig
	class    *Classifier
	subs     *subscription.Table
	channels map[models.ChannelName]Channel
	rdb      *redis.Client
	log      *zap.Logger

	deadLetterPub queue.Publisher
	deadLetterKey string

	mu        sync.Mutex
	active    map[string]*models.NotificationRequest
	results   map[string]*models.DeliveryResult
	escalated map[string]struct{}
	runCtx    context.Context

	lastSweepTick atomic.Int64
}

func NewOrchestrator(
	cfg config.NotificationConfig,
	class *Classifier,
	subs *subscription.Table,
	channels []Channel,
	rdb *redis.Client,
	log *zap.Logger,
) *Orchestrator {
	byName := make(map[models.ChannelName]Channel, len(channels))
	for _, ch := range channels {
		byName[ch.Name()] = ch
	}
	return &Orchestrator{
		cfg:       cfg,
		class:     class,
		subs:      subs,
		channels:  byName,
		rdb:       rdb,
		log:       log,
		active:    make(map[string]*models.NotificationRequest),
		results:   make(map[string]*models.DeliveryResult),
		escalated: make(map[string]struct{}),
		runCtx:    context.Background(),
	}
}

// Classifier exposes the severity function for callers that only need
// classification.
func (o *Orchestrator) Classifier() *Classifier { return o.class }

// WithDeadLetter enables publishing requests that failed on every channel
// with no retry left to the broker's dead-letter queue.
func (o *Orchestrator) WithDeadLetter(pub queue.Publisher, routingKey string) *Orchestrator {
	o.deadLetterPub = pub
	o.deadLetterKey = routingKey
	return o
}

func (o *Orchestrator) newRequest(
	alertType models.AlertType,
	severity models.Severity,
	guardianID, childID, title, message string,
	payload map[string]any,
	force bool,
	ttl time.Duration,
	correlationID string,
) *models.NotificationRequest {
	now := time.Now().UTC()
	return &models.NotificationRequest{
		RequestID:     uuid.New().String(),
		AlertType:     alertType,
		Severity:      severity,
		Priority:      models.PriorityFor(severity),
		GuardianID:    guardianID,
		ChildID:       childID,
		Title:         title,
		Message:       message,
		Payload:       payload,
		Channels:      ChannelsFor(severity),
		ForceDelivery: force,
		CorrelationID: correlationID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}
}

// Deliver runs every selected channel for the request in order, records
// the per-channel outcomes and schedules retry or escalation for failed
// high-priority requests. No channel failure aborts the loop.
func (o *Orchestrator) Deliver(ctx context.Context, req *models.NotificationRequest) *models.DeliveryResult {
	result := &models.DeliveryResult{
		RequestID:     req.RequestID,
		OverallStatus: models.DeliveryPending,
		PerChannel:    make(map[models.ChannelName]models.ChannelAttempt),
	}

	o.mu.Lock()
	o.active[req.RequestID] = req
	o.results[req.RequestID] = result
	o.mu.Unlock()

	// Subscription gate: a guardian who opted out gets a silent no-op,
	// reported as failed with zero channel attempts.
	if !req.ForceDelivery && !o.subs.Allows(req.GuardianID, req.AlertType) {
		o.mu.Lock()
		result.OverallStatus = models.DeliveryFailed
		result.CompletedAt = time.Now().UTC()
		o.mu.Unlock()
		o.log.Debug("request gated by guardian preferences",
			zap.String("request_id", req.RequestID),
			zap.String("guardian_id", req.GuardianID),
			zap.String("alert_type", string(req.AlertType)))
		o.mirrorResult(ctx, result)
		return result
	}

	o.attemptChannels(ctx, req, result, req.Channels)
	o.finalize(ctx, req, result)
	return result
}

func (o *Orchestrator) attemptChannels(ctx context.Context, req *models.NotificationRequest, result *models.DeliveryResult, names []models.ChannelName) {
	for _, name := range names {
		attempt := models.ChannelAttempt{AttemptedAt: time.Now().UTC()}
		ch, ok := o.channels[name]
		if !ok {
			attempt.Error = "channel not configured"
		} else {
			success, errText := attemptSafely(ctx, ch, req)
			attempt.Success = success
			attempt.Error = errText
		}
		o.mu.Lock()
		result.PerChannel[name] = attempt
		o.mu.Unlock()
	}
}

// finalize aggregates per-channel outcomes into the overall status and
// kicks off retry/escalation when warranted.
func (o *Orchestrator) finalize(ctx context.Context, req *models.NotificationRequest, result *models.DeliveryResult) {
	o.mu.Lock()
	delivered, failed := 0, 0
	for _, a := range result.PerChannel {
		if a.Success {
			delivered++
		} else {
			failed++
		}
	}
	result.DeliveredCount = delivered
	result.FailedCount = failed
	switch {
	case failed == 0:
		result.OverallStatus = models.DeliveryDelivered
	case delivered > 0:
		result.OverallStatus = models.DeliveryPartial
	default:
		result.OverallStatus = models.DeliveryFailed
	}
	result.CompletedAt = time.Now().UTC()
	status := result.OverallStatus
	retryCount := result.RetryCount
	o.mu.Unlock()

	o.log.Info("delivery completed",
		zap.String("request_id", req.RequestID),
		zap.String("status", string(status)),
		zap.Int("delivered", delivered),
		zap.Int("failed", failed))
	o.mirrorResult(ctx, result)

	if status == models.DeliveryDelivered {
		return
	}
	retryable := (req.Priority == models.PriorityHigh || req.Priority == models.PriorityCritical) &&
		retryCount < o.cfg.MaxRetries
	if retryable {
		o.scheduleRetry(req, result)
	}
	if status == models.DeliveryFailed && !retryable {
		o.publishDeadLetter(ctx, req, result)
	}
	// Escalate iff every selected channel failed and no retry is pending:
	// a critical safety alert the guardian could not be reached about
	// becomes an emergency. A pending retry defers the decision to the
	// retry's own finalize pass, so a successful retry never escalates.
	if status == models.DeliveryFailed && !retryable &&
		req.Severity == models.SeverityCritical &&
		req.AlertType == models.AlertTypeSafety {
		o.scheduleEscalation(req)
	}
}

// publishDeadLetter records a request that exhausted every channel and
// retry on the broker's dead-letter queue for offline inspection.
func (o *Orchestrator) publishDeadLetter(ctx context.Context, req *models.NotificationRequest, result *models.DeliveryResult) {
	if o.deadLetterPub == nil || !o.deadLetterPub.IsConnected() {
		return
	}
	o.mu.Lock()
	retryCount := result.RetryCount
	failedAt := result.CompletedAt
	o.mu.Unlock()
	record := map[string]any{
		"request_id":     req.RequestID,
		"alert_type":     req.AlertType,
		"severity":       req.Severity,
		"guardian_id":    req.GuardianID,
		"child_id":       req.ChildID,
		"retry_count":    retryCount,
		"failed_at":      failedAt,
		"correlation_id": req.CorrelationID,
	}
	if err := o.deadLetterPub.Publish(ctx, o.deadLetterKey, record); err != nil {
		o.log.Warn("dead-letter publish failed",
			zap.String("request_id", req.RequestID),
			zap.Error(err))
	}
}

// scheduleRetry queues one re-attempt pass over the failed channels.
func (o *Orchestrator) scheduleRetry(req *models.NotificationRequest, result *models.DeliveryResult) {
	o.mu.Lock()
	result.OverallStatus = models.DeliveryRetrying
	result.RetryCount++
	runCtx := o.runCtx
	o.mu.Unlock()

	o.log.Info("retry scheduled",
		zap.String("request_id", req.RequestID),
		zap.Duration("delay", o.cfg.RetryDelay))

	go func() {
		select {
		case <-runCtx.Done():
			return
		case <-time.After(o.cfg.RetryDelay):
		}
		o.mu.Lock()
		var failedNames []models.ChannelName
		for _, name := range req.Channels {
			if a, ok := result.PerChannel[name]; ok && !a.Success {
				failedNames = append(failedNames, name)
			}
		}
		o.mu.Unlock()

		o.attemptChannels(runCtx, req, result, failedNames)
		o.finalize(runCtx, req, result)
	}()
}

// scheduleEscalation promotes a totally failed critical safety alert to an
// emergency re-delivery after the configured delay, at most once per
// original request.
func (o *Orchestrator) scheduleEscalation(req *models.NotificationRequest) {
	o.mu.Lock()
	if _, done := o.escalated[req.RequestID]; done {
		o.mu.Unlock()
		return
	}
	o.escalated[req.RequestID] = struct{}{}
	runCtx := o.runCtx
	o.mu.Unlock()

	o.log.Warn("escalation scheduled",
		zap.String("request_id", req.RequestID),
		zap.Duration("delay", o.cfg.EscalationDelay))

	go func() {
		select {
		case <-runCtx.Done():
			return
		case <-time.After(o.cfg.EscalationDelay):
		}
		details := map[string]any{
			"original_request_id": req.RequestID,
			"original_alert_type": req.AlertType,
			"original_severity":   req.Severity,
			"original_title":      req.Title,
		}
		if _, err := o.SendEmergencyAlert(runCtx, req.GuardianID, req.ChildID,
			EmergencyCommunicationFailure, details, req.CorrelationID); err != nil {
			o.log.Error("escalation delivery failed", zap.Error(err))
		}
	}()
}

// SendSafetyAlert classifies the event, resolves the guardian and drives
// delivery.
func (o *Orchestrator) SendSafetyAlert(ctx context.Context, event models.SafetyEvent, correlationID string) (*models.DeliveryResult, error) {
	guardianID, ok := o.subs.GuardianFor(event.ChildID)
	if !ok {
		return nil, fmt.Errorf("no guardian mapped for child %s", event.ChildID)
	}
	severity := o.class.SeverityOf(event)
	if severity == models.SeverityEmergency {
		details := map[string]any{
			"safety_score":    event.SafetyScore,
			"detected_issues": event.DetectedIssues,
		}
		return o.SendEmergencyAlert(ctx, guardianID, event.ChildID, "critical_safety_pattern", details, correlationID)
	}
	req := o.newRequest(
		models.AlertTypeSafety, severity, guardianID, event.ChildID,
		safetyTitle(severity),
		fmt.Sprintf("A safety check for your child scored %d out of 100.", event.SafetyScore),
		map[string]any{
			"safety_score":    event.SafetyScore,
			"detected_issues": event.DetectedIssues,
		},
		false, o.cfg.DefaultTTL, correlationID,
	)
	req.SafetyContext = event.Context
	return o.Deliver(ctx, req), nil
}

func (o *Orchestrator) SendBehaviorAlert(ctx context.Context, childID, behavior, description string, extra map[string]any, correlationID string) (*models.DeliveryResult, error) {
	guardianID, ok := o.subs.GuardianFor(childID)
	if !ok {
		return nil, fmt.Errorf("no guardian mapped for child %s", childID)
	}
	payload := map[string]any{"behavior": behavior}
	for k, v := range extra {
		payload[k] = v
	}
	req := o.newRequest(
		models.AlertTypeBehavior, models.SeverityMedium, guardianID, childID,
		"Behavior alert",
		fmt.Sprintf("Noteworthy behavior observed: %s. %s", behavior, description),
		payload,
		false, o.cfg.DefaultTTL, correlationID,
	)
	return o.Deliver(ctx, req), nil
}

func (o *Orchestrator) SendUsageLimitAlert(ctx context.Context, childID, limitType string, usedMinutes, capMinutes int, correlationID string) (*models.DeliveryResult, error) {
	guardianID, ok := o.subs.GuardianFor(childID)
	if !ok {
		return nil, fmt.Errorf("no guardian mapped for child %s", childID)
	}
	req := o.newRequest(
		models.AlertTypeUsage, models.SeverityLow, guardianID, childID,
		"Usage limit reached",
		fmt.Sprintf("The %s limit has been reached: %d of %d minutes used.", limitType, usedMinutes, capMinutes),
		map[string]any{
			"limit_type":   limitType,
			"used_minutes": usedMinutes,
			"cap_minutes":  capMinutes,
		},
		false, o.cfg.DefaultTTL, correlationID,
	)
	return o.Deliver(ctx, req), nil
}

// SendEmergencyAlert always forces delivery past the preference gate and
// carries the long expiry.
func (o *Orchestrator) SendEmergencyAlert(ctx context.Context, guardianID, childID, emergencyType string, details map[string]any, correlationID string) (*models.DeliveryResult, error) {
	if guardianID == "" {
		if childID == "" {
			return nil, fmt.Errorf("emergency alert needs a guardian or a child")
		}
		g, ok := o.subs.GuardianFor(childID)
		if !ok {
			return nil, fmt.Errorf("no guardian mapped for child %s", childID)
		}
		guardianID = g
	}
	payload := map[string]any{"emergency_type": emergencyType}
	for k, v := range details {
		payload[k] = v
	}
	req := o.newRequest(
		models.AlertTypeEmergency, models.SeverityEmergency, guardianID, childID,
		"EMERGENCY: immediate attention required",
		fmt.Sprintf("An emergency condition was detected (%s). Please check on your child now.", emergencyType),
		payload,
		true, o.cfg.EmergencyTTL, correlationID,
	)
	return o.Deliver(ctx, req), nil
}

// Result returns the recorded delivery result for a request id.
func (o *Orchestrator) Result(requestID string) (*models.DeliveryResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	res, ok := o.results[requestID]
	if !ok {
		return nil, false
	}
	cp := *res
	cp.PerChannel = make(map[models.ChannelName]models.ChannelAttempt, len(res.PerChannel))
	for k, v := range res.PerChannel {
		cp.PerChannel[k] = v
	}
	return &cp, true
}

// Request returns the request for an id while it remains in the active set.
func (o *Orchestrator) Request(requestID string) (*models.NotificationRequest, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	req, ok := o.active[requestID]
	return req, ok
}

// ActiveCount reports requests not yet swept by expiry.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// Run drives the expiry sweep until ctx is cancelled. Scheduled retries
// and escalations observe the same ctx and stop at shutdown.
func (o *Orchestrator) Run(ctx context.Context) {
	o.mu.Lock()
	o.runCtx = ctx
	o.mu.Unlock()

	ticker := time.NewTicker(o.cfg.ExpirySweep)
	defer ticker.Stop()
	o.lastSweepTick.Store(time.Now().UnixNano())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.lastSweepTick.Store(time.Now().UnixNano())
			o.sweepExpired()
		}
	}
}

// sweepExpired removes expired requests and their recorded results from
// memory. The redis mirror keeps result history with its own TTL, so
// lookups of swept requests fall to the mirror.
func (o *Orchestrator) sweepExpired() {
	now := time.Now().UTC()
	o.mu.Lock()
	for id, req := range o.active {
		if req.ExpiresAt.Before(now) {
			delete(o.active, id)
			delete(o.escalated, id)
			delete(o.results, id)
		}
	}
	o.mu.Unlock()
}

// Healthy reports whether the expiry sweep has ticked recently.
func (o *Orchestrator) Healthy() bool {
	last := o.lastSweepTick.Load()
	return last != 0 && time.Now().UnixNano()-last < 3*int64(o.cfg.ExpirySweep)
}

func (o *Orchestrator) mirrorResult(ctx context.Context, result *models.DeliveryResult) {
	if o.rdb == nil {
		return
	}
	o.mu.Lock()
	by, err := json.Marshal(result)
	o.mu.Unlock()
	if err != nil {
		return
	}
	key := resultKeyPrefix + result.RequestID
	if err := o.rdb.Set(ctx, key, by, o.cfg.DefaultTTL).Err(); err != nil {
		o.log.Warn("failed to mirror delivery result", zap.Error(err))
	}
}

func safetyTitle(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return "Critical safety alert"
	case models.SeverityHigh:
		return "Urgent safety alert"
	case models.SeverityMedium:
		return "Safety alert"
	default:
		return "Safety notice"
	}
}
