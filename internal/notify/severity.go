package notify

import (
	"github.com/franzego/guardwire/internal/models"
)

// Score thresholds, bucketed in descending order.
const (
	criticalBelow = 30
	highBelow     = 50
	mediumBelow   = 70
)

// Classifier maps detector events to severities. Classification is a pure
// total function: the same event always yields the same severity.
type Classifier struct {
	criticalPatterns map[string]struct{}
}

func NewClassifier(criticalPatterns []string) *Classifier {
	set := make(map[string]struct{}, len(criticalPatterns))
	for _, p := range criticalPatterns {
		set[p] = struct{}{}
	}
	return &Classifier{criticalPatterns: set}
}

// SeverityOf classifies one safety event. Any detected issue on the
// critical-pattern list forces emergency regardless of score; otherwise
// the numeric score is bucketed against the thresholds.
func (c *Classifier) SeverityOf(event models.SafetyEvent) models.Severity {
	for _, issue := range event.DetectedIssues {
		if _, ok := c.criticalPatterns[issue]; ok {
			return models.SeverityEmergency
		}
	}
	switch {
	case event.SafetyScore < criticalBelow:
		return models.SeverityCritical
	case event.SafetyScore < highBelow:
		return models.SeverityHigh
	case event.SafetyScore < mediumBelow:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// ChannelsFor selects the ordered channel list for a severity. Broader
// broadcast for higher severity; every listed channel gets attempted, the
// list is never short-circuited on first success.
func ChannelsFor(s models.Severity) []models.ChannelName {
	switch s {
	case models.SeverityEmergency:
		return []models.ChannelName{models.ChannelWebSocket, models.ChannelPush, models.ChannelEmail, models.ChannelSMS}
	case models.SeverityCritical:
		return []models.ChannelName{models.ChannelWebSocket, models.ChannelPush, models.ChannelEmail}
	case models.SeverityHigh:
		return []models.ChannelName{models.ChannelWebSocket, models.ChannelPush}
	default:
		return []models.ChannelName{models.ChannelWebSocket}
	}
}
