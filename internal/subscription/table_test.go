package subscription

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/franzego/guardwire/internal/models"
)

func setupMockRedis(t *testing.T) *redis.Client {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	return redis.NewClient(&redis.Options{Addr: s.Addr()})
}

func TestAllows_DefaultIsEverything(t *testing.T) {
	table := NewTable(nil, zap.NewNop())
	assert.True(t, table.Allows("guardian-1", models.AlertTypeSafety))
	assert.True(t, table.Allows("guardian-1", models.AlertTypeUsage))
}

func TestAllows_RespectsOptOut(t *testing.T) {
	table := NewTable(nil, zap.NewNop())
	table.SetPreferences(context.Background(), "guardian-1",
		[]models.AlertType{models.AlertTypeSafety, models.AlertTypeEmergency})

	assert.True(t, table.Allows("guardian-1", models.AlertTypeSafety))
	assert.False(t, table.Allows("guardian-1", models.AlertTypeUsage))
	assert.False(t, table.Allows("guardian-1", models.AlertTypeBehavior))
}

func TestPreferences_ReplacedWholesale(t *testing.T) {
	table := NewTable(nil, zap.NewNop())
	ctx := context.Background()
	table.SetPreferences(ctx, "guardian-1", []models.AlertType{models.AlertTypeSafety})
	table.SetPreferences(ctx, "guardian-1", []models.AlertType{models.AlertTypeUsage})

	assert.False(t, table.Allows("guardian-1", models.AlertTypeSafety))
	assert.True(t, table.Allows("guardian-1", models.AlertTypeUsage))
	assert.ElementsMatch(t, []models.AlertType{models.AlertTypeUsage}, table.Preferences("guardian-1"))
}

func TestGuardianFor(t *testing.T) {
	table := NewTable(nil, zap.NewNop())
	ctx := context.Background()

	_, ok := table.GuardianFor("child-1")
	assert.False(t, ok)

	table.MapChild(ctx, "child-1", "guardian-1")
	g, ok := table.GuardianFor("child-1")
	require.True(t, ok)
	assert.Equal(t, "guardian-1", g)

	// remapping moves the child
	table.MapChild(ctx, "child-1", "guardian-2")
	g, _ = table.GuardianFor("child-1")
	assert.Equal(t, "guardian-2", g)
}

func TestMirror_WritesThroughToRedis(t *testing.T) {
	rdb := setupMockRedis(t)
	table := NewTable(rdb, zap.NewNop())
	ctx := context.Background()

	table.SetPreferences(ctx, "guardian-1", []models.AlertType{models.AlertTypeSafety})
	table.MapChild(ctx, "child-1", "guardian-1")

	raw, err := rdb.Get(ctx, "subs:pref:guardian-1").Bytes()
	require.NoError(t, err)
	var types []models.AlertType
	require.NoError(t, json.Unmarshal(raw, &types))
	assert.Equal(t, []models.AlertType{models.AlertTypeSafety}, types)

	g, err := rdb.Get(ctx, "subs:child:child-1").Result()
	require.NoError(t, err)
	assert.Equal(t, "guardian-1", g)

	ttl := rdb.TTL(ctx, "subs:pref:guardian-1").Val()
	assert.Greater(t, ttl.Seconds(), 0.0)
}

func TestMirror_RedisDownIsBestEffort(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	s.Close()

	table := NewTable(rdb, zap.NewNop())
	ctx := context.Background()

	assert.NotPanics(t, func() {
		table.SetPreferences(ctx, "guardian-1", []models.AlertType{models.AlertTypeSafety})
		table.MapChild(ctx, "child-1", "guardian-1")
	})
	// in-memory state stays authoritative
	assert.True(t, table.Allows("guardian-1", models.AlertTypeSafety))
	g, ok := table.GuardianFor("child-1")
	require.True(t, ok)
	assert.Equal(t, "guardian-1", g)
}
