package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/franzego/guardwire/internal/models"
)

const mirrorTTL = 24 * time.Hour

// Table holds per-guardian alert-type preferences and the child-to-guardian
// routing map. The in-process maps are authoritative; when a redis client
// is present every write is mirrored with a TTL for cross-process
// visibility, best effort.
type Table struct {
	mu       sync.RWMutex
	prefs    map[string]map[models.AlertType]struct{}
	children map[string]string

	rdb *redis.Client
	log *zap.Logger
}

func NewTable(rdb *redis.Client, log *zap.Logger) *Table {
	return &Table{
		prefs:    make(map[string]map[models.AlertType]struct{}),
		children: make(map[string]string),
		rdb:      rdb,
		log:      log,
	}
}

// SetPreferences replaces a guardian's subscribed alert types.
func (t *Table) SetPreferences(ctx context.Context, guardianID string, alertTypes []models.AlertType) {
	set := make(map[models.AlertType]struct{}, len(alertTypes))
	for _, at := range alertTypes {
		set[at] = struct{}{}
	}
	t.mu.Lock()
	t.prefs[guardianID] = set
	t.mu.Unlock()

	t.mirrorPrefs(ctx, guardianID, alertTypes)
}

// Allows reports whether the guardian has opted into this alert type.
// Guardians with no recorded preferences receive everything: opting out is
// explicit, not the default.
func (t *Table) Allows(guardianID string, alertType models.AlertType) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set, ok := t.prefs[guardianID]
	if !ok {
		return true
	}
	_, subscribed := set[alertType]
	return subscribed
}

// Preferences returns the guardian's current alert-type set, or nil when
// none has been recorded.
func (t *Table) Preferences(guardianID string) []models.AlertType {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set, ok := t.prefs[guardianID]
	if !ok {
		return nil
	}
	out := make([]models.AlertType, 0, len(set))
	for at := range set {
		out = append(out, at)
	}
	return out
}

// MapChild routes a child's events to a guardian.
func (t *Table) MapChild(ctx context.Context, childID, guardianID string) {
	t.mu.Lock()
	t.children[childID] = guardianID
	t.mu.Unlock()

	if t.rdb != nil {
		key := fmt.Sprintf("subs:child:%s", childID)
		if err := t.rdb.Set(ctx, key, guardianID, mirrorTTL).Err(); err != nil {
			t.log.Warn("failed to mirror child mapping", zap.Error(err))
		}
	}
}

// GuardianFor resolves the guardian responsible for a child.
func (t *Table) GuardianFor(childID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	g, ok := t.children[childID]
	return g, ok
}

func (t *Table) mirrorPrefs(ctx context.Context, guardianID string, alertTypes []models.AlertType) {
	if t.rdb == nil {
		return
	}
	by, err := json.Marshal(alertTypes)
	if err != nil {
		return
	}
	key := fmt.Sprintf("subs:pref:%s", guardianID)
	if err := t.rdb.Set(ctx, key, by, mirrorTTL).Err(); err != nil {
		t.log.Warn("failed to mirror preferences", zap.Error(err))
	}
}
