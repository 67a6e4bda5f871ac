package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/franzego/guardwire/internal/config"
	"github.com/franzego/guardwire/internal/models"
	"github.com/franzego/guardwire/internal/subscription"
)

type stubChannel struct {
	mu      sync.Mutex
	name    models.ChannelName
	succeed bool
	panics  bool
	reqs    []*models.NotificationRequest
}

func (s *stubChannel) Name() models.ChannelName { return s.name }

func (s *stubChannel) Attempt(_ context.Context, req *models.NotificationRequest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	if s.panics {
		panic("provider exploded")
	}
	return s.succeed
}

func (s *stubChannel) setSucceed(v bool) {
	s.mu.Lock()
	s.succeed = v
	s.mu.Unlock()
}

func (s *stubChannel) attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

// distinctRequests counts unique request ids of a given alert type seen by
// the channel, so retries of one request count once.
func (s *stubChannel) distinctRequests(alertType models.AlertType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	for _, r := range s.reqs {
		if r.AlertType == alertType {
			seen[r.RequestID] = struct{}{}
		}
	}
	return len(seen)
}

func testNotifyConfig() config.NotificationConfig {
	return config.NotificationConfig{
		CriticalPatterns: testPatterns,
		EscalationDelay:  20 * time.Millisecond,
		RetryDelay:       10 * time.Millisecond,
		MaxRetries:       1,
		ExpirySweep:      time.Minute,
		DefaultTTL:       time.Hour,
		EmergencyTTL:     72 * time.Hour,
	}
}

func newTestOrchestrator(cfg config.NotificationConfig, channels ...Channel) (*Orchestrator, *subscription.Table) {
	subs := subscription.NewTable(nil, zap.NewNop())
	class := NewClassifier(cfg.CriticalPatterns)
	return NewOrchestrator(cfg, class, subs, channels, nil, zap.NewNop()), subs
}

func plainRequest(alertType models.AlertType, severity models.Severity, channels []models.ChannelName, force bool) *models.NotificationRequest {
	now := time.Now().UTC()
	return &models.NotificationRequest{
		RequestID:     uuid.New().String(),
		AlertType:     alertType,
		Severity:      severity,
		Priority:      models.PriorityFor(severity),
		GuardianID:    "guardian-1",
		Channels:      channels,
		ForceDelivery: force,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Hour),
	}
}

func TestDeliver_AllChannelsSucceed(t *testing.T) {
	wsCh := &stubChannel{name: models.ChannelWebSocket, succeed: true}
	push := &stubChannel{name: models.ChannelPush, succeed: true}
	o, _ := newTestOrchestrator(testNotifyConfig(), wsCh, push)

	req := plainRequest(models.AlertTypeSafety, models.SeverityHigh,
		[]models.ChannelName{models.ChannelWebSocket, models.ChannelPush}, false)
	result := o.Deliver(context.Background(), req)

	assert.Equal(t, models.DeliveryDelivered, result.OverallStatus)
	assert.Equal(t, 2, result.DeliveredCount)
	assert.Equal(t, 0, result.FailedCount)
	assert.Len(t, result.PerChannel, 2)
}

func TestDeliver_ChannelExhaustiveness(t *testing.T) {
	wsCh := &stubChannel{name: models.ChannelWebSocket, panics: true}
	push := &stubChannel{name: models.ChannelPush, succeed: false}
	email := &stubChannel{name: models.ChannelEmail, succeed: true}
	cfg := testNotifyConfig()
	cfg.MaxRetries = 0
	o, _ := newTestOrchestrator(cfg, wsCh, push, email)

	req := plainRequest(models.AlertTypeSafety, models.SeverityCritical,
		[]models.ChannelName{models.ChannelWebSocket, models.ChannelPush, models.ChannelEmail}, false)
	result := o.Deliver(context.Background(), req)

	// the panic is recorded, the loop never aborts
	require.Len(t, result.PerChannel, 3)
	assert.False(t, result.PerChannel[models.ChannelWebSocket].Success)
	assert.Contains(t, result.PerChannel[models.ChannelWebSocket].Error, "panic")
	assert.False(t, result.PerChannel[models.ChannelPush].Success)
	assert.True(t, result.PerChannel[models.ChannelEmail].Success)
	assert.Equal(t, models.DeliveryPartial, result.OverallStatus)
	assert.Equal(t, 1, email.attempts())
}

func TestDeliver_NoShortCircuitOnSuccess(t *testing.T) {
	wsCh := &stubChannel{name: models.ChannelWebSocket, succeed: true}
	push := &stubChannel{name: models.ChannelPush, succeed: true}
	email := &stubChannel{name: models.ChannelEmail, succeed: true}
	o, _ := newTestOrchestrator(testNotifyConfig(), wsCh, push, email)

	req := plainRequest(models.AlertTypeSafety, models.SeverityCritical,
		[]models.ChannelName{models.ChannelWebSocket, models.ChannelPush, models.ChannelEmail}, false)
	o.Deliver(context.Background(), req)

	// an early success must not skip the later channels
	assert.Equal(t, 1, wsCh.attempts())
	assert.Equal(t, 1, push.attempts())
	assert.Equal(t, 1, email.attempts())
}

func TestDeliver_SubscriptionGate(t *testing.T) {
	wsCh := &stubChannel{name: models.ChannelWebSocket, succeed: true}
	o, subs := newTestOrchestrator(testNotifyConfig(), wsCh)
	subs.SetPreferences(context.Background(), "guardian-1", []models.AlertType{models.AlertTypeSafety})

	req := plainRequest(models.AlertTypeUsage, models.SeverityLow,
		[]models.ChannelName{models.ChannelWebSocket}, false)
	result := o.Deliver(context.Background(), req)

	assert.Equal(t, models.DeliveryFailed, result.OverallStatus)
	assert.Empty(t, result.PerChannel)
	assert.Equal(t, 0, wsCh.attempts())

	forced := plainRequest(models.AlertTypeUsage, models.SeverityLow,
		[]models.ChannelName{models.ChannelWebSocket}, true)
	result = o.Deliver(context.Background(), forced)

	assert.Equal(t, models.DeliveryDelivered, result.OverallStatus)
	assert.Equal(t, 1, wsCh.attempts())
}

func TestDeliver_RetrySchedulesForHighPriority(t *testing.T) {
	wsCh := &stubChannel{name: models.ChannelWebSocket, succeed: true}
	push := &stubChannel{name: models.ChannelPush, succeed: false}
	cfg := testNotifyConfig()
	cfg.RetryDelay = 100 * time.Millisecond
	o, _ := newTestOrchestrator(cfg, wsCh, push)

	req := plainRequest(models.AlertTypeSafety, models.SeverityHigh,
		[]models.ChannelName{models.ChannelWebSocket, models.ChannelPush}, false)
	o.Deliver(context.Background(), req)

	result, ok := o.Result(req.RequestID)
	require.True(t, ok)
	assert.Equal(t, models.DeliveryRetrying, result.OverallStatus)
	assert.Equal(t, 1, result.RetryCount)

	// only the failed channel is retried
	assert.Eventually(t, func() bool { return push.attempts() == 2 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, wsCh.attempts())

	assert.Eventually(t, func() bool {
		got, ok := o.Result(req.RequestID)
		return ok && got.OverallStatus == models.DeliveryPartial
	}, time.Second, 10*time.Millisecond)
}

func TestDeliver_NoRetryForLowPriority(t *testing.T) {
	wsCh := &stubChannel{name: models.ChannelWebSocket, succeed: false}
	o, _ := newTestOrchestrator(testNotifyConfig(), wsCh)

	req := plainRequest(models.AlertTypeUsage, models.SeverityLow,
		[]models.ChannelName{models.ChannelWebSocket}, false)
	result := o.Deliver(context.Background(), req)

	assert.Equal(t, models.DeliveryFailed, result.OverallStatus)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, wsCh.attempts())
}

func TestEscalation_FiresOncePerRequest(t *testing.T) {
	wsCh := &stubChannel{name: models.ChannelWebSocket, succeed: false}
	push := &stubChannel{name: models.ChannelPush, succeed: false}
	email := &stubChannel{name: models.ChannelEmail, succeed: false}
	sms := &stubChannel{name: models.ChannelSMS, succeed: false}
	o, subs := newTestOrchestrator(testNotifyConfig(), wsCh, push, email, sms)
	subs.MapChild(context.Background(), "child-1", "guardian-1")

	event := models.SafetyEvent{ChildID: "child-1", SafetyScore: 25}
	result, err := o.SendSafetyAlert(context.Background(), event, "")
	require.NoError(t, err)
	got, ok := o.Result(result.RequestID)
	require.True(t, ok)
	assert.Equal(t, 0, got.DeliveredCount)

	// the escalated emergency embeds the original request id
	assert.Eventually(t, func() bool {
		return wsCh.distinctRequests(models.AlertTypeEmergency) == 1
	}, time.Second, 5*time.Millisecond)

	// and never fires a second time for the same original request
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, wsCh.distinctRequests(models.AlertTypeEmergency))

	emergencyReq := findRequest(wsCh, models.AlertTypeEmergency)
	require.NotNil(t, emergencyReq)
	assert.True(t, emergencyReq.ForceDelivery)
	assert.Equal(t, EmergencyCommunicationFailure, emergencyReq.Payload["emergency_type"])
	assert.Equal(t, result.RequestID, emergencyReq.Payload["original_request_id"])
}

func TestEscalation_NotWhenAnyChannelSucceeded(t *testing.T) {
	wsCh := &stubChannel{name: models.ChannelWebSocket, succeed: true}
	push := &stubChannel{name: models.ChannelPush, succeed: false}
	email := &stubChannel{name: models.ChannelEmail, succeed: false}
	cfg := testNotifyConfig()
	cfg.MaxRetries = 0
	o, subs := newTestOrchestrator(cfg, wsCh, push, email)
	subs.MapChild(context.Background(), "child-1", "guardian-1")

	event := models.SafetyEvent{ChildID: "child-1", SafetyScore: 25}
	result, err := o.SendSafetyAlert(context.Background(), event, "")
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryPartial, result.OverallStatus)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, wsCh.distinctRequests(models.AlertTypeEmergency))
}

func TestEscalation_NotWhenRetryDelivers(t *testing.T) {
	wsCh := &stubChannel{name: models.ChannelWebSocket, succeed: false}
	push := &stubChannel{name: models.ChannelPush, succeed: false}
	email := &stubChannel{name: models.ChannelEmail, succeed: false}
	cfg := testNotifyConfig()
	cfg.RetryDelay = 50 * time.Millisecond
	o, subs := newTestOrchestrator(cfg, wsCh, push, email)
	subs.MapChild(context.Background(), "child-1", "guardian-1")

	event := models.SafetyEvent{ChildID: "child-1", SafetyScore: 25}
	result, err := o.SendSafetyAlert(context.Background(), event, "")
	require.NoError(t, err)
	got, ok := o.Result(result.RequestID)
	require.True(t, ok)
	assert.Equal(t, models.DeliveryRetrying, got.OverallStatus)

	// the guardian comes back online before the retry fires
	wsCh.setSucceed(true)

	assert.Eventually(t, func() bool {
		got, ok := o.Result(result.RequestID)
		return ok && got.OverallStatus == models.DeliveryPartial
	}, time.Second, 5*time.Millisecond)

	// reaching the guardian cancels the pending escalation decision
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, wsCh.distinctRequests(models.AlertTypeEmergency))
}

func TestSendSafetyAlert_CriticalSelectsThreeChannels(t *testing.T) {
	wsCh := &stubChannel{name: models.ChannelWebSocket, succeed: true}
	push := &stubChannel{name: models.ChannelPush, succeed: true}
	email := &stubChannel{name: models.ChannelEmail, succeed: true}
	sms := &stubChannel{name: models.ChannelSMS, succeed: true}
	o, subs := newTestOrchestrator(testNotifyConfig(), wsCh, push, email, sms)
	subs.MapChild(context.Background(), "child-1", "guardian-1")

	event := models.SafetyEvent{ChildID: "child-1", SafetyScore: 25}
	result, err := o.SendSafetyAlert(context.Background(), event, "corr-1")
	require.NoError(t, err)

	assert.Equal(t, models.DeliveryDelivered, result.OverallStatus)
	assert.Len(t, result.PerChannel, 3)
	assert.Equal(t, 0, sms.attempts())

	req, ok := o.Request(result.RequestID)
	require.True(t, ok)
	assert.Equal(t, models.SeverityCritical, req.Severity)
	assert.Equal(t, "corr-1", req.CorrelationID)
	assert.False(t, req.ForceDelivery)
}

func TestSendSafetyAlert_CriticalPatternBecomesEmergency(t *testing.T) {
	wsCh := &stubChannel{name: models.ChannelWebSocket, succeed: true}
	push := &stubChannel{name: models.ChannelPush, succeed: true}
	email := &stubChannel{name: models.ChannelEmail, succeed: true}
	sms := &stubChannel{name: models.ChannelSMS, succeed: true}
	o, subs := newTestOrchestrator(testNotifyConfig(), wsCh, push, email, sms)
	subs.MapChild(context.Background(), "child-1", "guardian-1")

	event := models.SafetyEvent{
		ChildID:        "child-1",
		SafetyScore:    95,
		DetectedIssues: []string{"pii_exposure"},
	}
	result, err := o.SendSafetyAlert(context.Background(), event, "")
	require.NoError(t, err)

	assert.Len(t, result.PerChannel, 4)
	req, ok := o.Request(result.RequestID)
	require.True(t, ok)
	assert.Equal(t, models.SeverityEmergency, req.Severity)
	assert.True(t, req.ForceDelivery)
	assert.Equal(t, 72*time.Hour, req.ExpiresAt.Sub(req.CreatedAt))
}

func TestSendUsageLimitAlert_UnmappedChild(t *testing.T) {
	o, _ := newTestOrchestrator(testNotifyConfig())
	_, err := o.SendUsageLimitAlert(context.Background(), "orphan", "screen_time", 120, 120, "")
	assert.Error(t, err)
}

func TestExpirySweep_RemovesOnlyExpired(t *testing.T) {
	wsCh := &stubChannel{name: models.ChannelWebSocket, succeed: true}
	o, _ := newTestOrchestrator(testNotifyConfig(), wsCh)

	fresh := plainRequest(models.AlertTypeSafety, models.SeverityLow,
		[]models.ChannelName{models.ChannelWebSocket}, false)
	stale := plainRequest(models.AlertTypeSafety, models.SeverityLow,
		[]models.ChannelName{models.ChannelWebSocket}, false)
	stale.ExpiresAt = time.Now().UTC().Add(-time.Minute)

	o.Deliver(context.Background(), fresh)
	o.Deliver(context.Background(), stale)

	o.sweepExpired()

	_, ok := o.Request(fresh.RequestID)
	assert.True(t, ok)
	_, ok = o.Request(stale.RequestID)
	assert.False(t, ok)

	// the in-memory result goes with the expired request; history lives
	// in the redis mirror
	_, ok = o.Result(stale.RequestID)
	assert.False(t, ok)
	got, ok := o.Result(fresh.RequestID)
	require.True(t, ok)
	assert.Equal(t, models.DeliveryDelivered, got.OverallStatus)
}

func TestDeadLetter_PublishedWhenAllChannelsFail(t *testing.T) {
	wsCh := &stubChannel{name: models.ChannelWebSocket, succeed: false}
	o, _ := newTestOrchestrator(testNotifyConfig(), wsCh)

	pub := new(MockPublisher)
	pub.On("IsConnected").Return(true)
	pub.On("Publish", mock.Anything, "failed.queue", mock.MatchedBy(func(m interface{}) bool {
		record, ok := m.(map[string]any)
		return ok && record["guardian_id"] == "guardian-1"
	})).Return(nil)
	o.WithDeadLetter(pub, "failed.queue")

	// low priority: no retry, straight to the dead-letter queue
	req := plainRequest(models.AlertTypeUsage, models.SeverityLow,
		[]models.ChannelName{models.ChannelWebSocket}, false)
	result := o.Deliver(context.Background(), req)

	assert.Equal(t, models.DeliveryFailed, result.OverallStatus)
	pub.AssertExpectations(t)
}

func TestDeadLetter_NotWhileRetryPending(t *testing.T) {
	wsCh := &stubChannel{name: models.ChannelWebSocket, succeed: false}
	push := &stubChannel{name: models.ChannelPush, succeed: false}
	cfg := testNotifyConfig()
	cfg.RetryDelay = 20 * time.Millisecond
	o, _ := newTestOrchestrator(cfg, wsCh, push)

	var published atomic.Int32
	pub := new(MockPublisher)
	pub.On("IsConnected").Return(true)
	pub.On("Publish", mock.Anything, "failed.queue", mock.Anything).
		Run(func(mock.Arguments) { published.Add(1) }).Return(nil)
	o.WithDeadLetter(pub, "failed.queue")

	req := plainRequest(models.AlertTypeBehavior, models.SeverityHigh,
		[]models.ChannelName{models.ChannelWebSocket, models.ChannelPush}, false)
	o.Deliver(context.Background(), req)

	// retry still pending: nothing dead-lettered yet
	assert.Equal(t, int32(0), published.Load())

	// after the retry fails too, exactly one dead-letter record goes out
	assert.Eventually(t, func() bool {
		return published.Load() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDeadLetter_NotOnPartialDelivery(t *testing.T) {
	wsCh := &stubChannel{name: models.ChannelWebSocket, succeed: true}
	push := &stubChannel{name: models.ChannelPush, succeed: false}
	cfg := testNotifyConfig()
	cfg.MaxRetries = 0
	o, _ := newTestOrchestrator(cfg, wsCh, push)

	pub := new(MockPublisher)
	pub.On("IsConnected").Return(true)
	o.WithDeadLetter(pub, "failed.queue")

	req := plainRequest(models.AlertTypeSafety, models.SeverityHigh,
		[]models.ChannelName{models.ChannelWebSocket, models.ChannelPush}, false)
	result := o.Deliver(context.Background(), req)

	assert.Equal(t, models.DeliveryPartial, result.OverallStatus)
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func findRequest(s *stubChannel, alertType models.AlertType) *models.NotificationRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reqs {
		if r.AlertType == alertType {
			return r
		}
	}
	return nil
}
