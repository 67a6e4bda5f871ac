package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/franzego/guardwire/internal/models"
)

var testPatterns = []string{"pii_exposure", "explicit_content", "self_harm", "predatory_contact"}

func TestSeverityOf_ScoreBuckets(t *testing.T) {
	c := NewClassifier(testPatterns)

	cases := []struct {
		score int
		want  models.Severity
	}{
		{0, models.SeverityCritical},
		{29, models.SeverityCritical},
		{30, models.SeverityHigh},
		{49, models.SeverityHigh},
		{50, models.SeverityMedium},
		{69, models.SeverityMedium},
		{70, models.SeverityLow},
		{100, models.SeverityLow},
	}
	for _, tc := range cases {
		got := c.SeverityOf(models.SafetyEvent{SafetyScore: tc.score})
		assert.Equal(t, tc.want, got, "score %d", tc.score)
	}
}

func TestSeverityOf_Monotonicity(t *testing.T) {
	c := NewClassifier(testPatterns)

	prev := models.SeverityEmergency
	for score := 0; score <= 100; score++ {
		got := c.SeverityOf(models.SafetyEvent{SafetyScore: score})
		assert.LessOrEqual(t, got.Rank(), prev.Rank(), "severity must not increase with score")
		prev = got
	}
}

func TestSeverityOf_CriticalPatternOverride(t *testing.T) {
	c := NewClassifier(testPatterns)

	got := c.SeverityOf(models.SafetyEvent{
		SafetyScore:    95,
		DetectedIssues: []string{"mild_language", "pii_exposure"},
	})
	assert.Equal(t, models.SeverityEmergency, got)
}

func TestSeverityOf_Deterministic(t *testing.T) {
	c := NewClassifier(testPatterns)
	event := models.SafetyEvent{SafetyScore: 42, DetectedIssues: []string{"spam"}}

	first := c.SeverityOf(event)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, c.SeverityOf(event))
	}
}

func TestChannelsFor_Ordering(t *testing.T) {
	assert.Equal(t,
		[]models.ChannelName{models.ChannelWebSocket, models.ChannelPush, models.ChannelEmail, models.ChannelSMS},
		ChannelsFor(models.SeverityEmergency))
	assert.Equal(t,
		[]models.ChannelName{models.ChannelWebSocket, models.ChannelPush, models.ChannelEmail},
		ChannelsFor(models.SeverityCritical))
	assert.Equal(t,
		[]models.ChannelName{models.ChannelWebSocket, models.ChannelPush},
		ChannelsFor(models.SeverityHigh))
	assert.Equal(t,
		[]models.ChannelName{models.ChannelWebSocket},
		ChannelsFor(models.SeverityMedium))
	assert.Equal(t,
		[]models.ChannelName{models.ChannelWebSocket},
		ChannelsFor(models.SeverityLow))
}
