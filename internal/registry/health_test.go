package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/soorma-ai/soorma-core/internal/registry"
	"github.com/soorma-ai/soorma-core/internal/registry/store/memory"
)

func TestSweepOnceExpiresStaleAgents(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	record := &registry.AgentRecord{
		AgentID:         "stale:1",
		Name:            "stale",
		Version:         "1",
		TTLSeconds:      1,
		LastHeartbeatAt: time.Now().Add(-time.Hour),
		Status:          registry.AgentStatusActive,
	}
	require.NoError(t, st.SaveAgent(ctx, record))

	var expired []*registry.AgentRecord
	sweeper, err := registry.NewSweeper(registry.SweeperOptions{
		Store: st,
		OnExpire: func(_ context.Context, a *registry.AgentRecord) {
			expired = append(expired, a)
		},
	})
	require.NoError(t, err)

	sweeper.SweepOnce(ctx)

	require.Len(t, expired, 1)
	require.Equal(t, "stale:1", expired[0].AgentID)

	got, err := st.GetAgent(ctx, "stale:1")
	require.NoError(t, err)
	require.Equal(t, registry.AgentStatusExpired, got.Status)
}

func TestSweepOnceDeletesAfterGraceWindow(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	expiredAt := time.Now().Add(-time.Hour)
	record := &registry.AgentRecord{
		AgentID:    "gone:1",
		Name:       "gone",
		Version:    "1",
		TTLSeconds: 1,
		Status:     registry.AgentStatusExpired,
		ExpiredAt:  &expiredAt,
	}
	require.NoError(t, st.SaveAgent(ctx, record))

	sweeper, err := registry.NewSweeper(registry.SweeperOptions{Store: st, ExpiryGrace: time.Millisecond})
	require.NoError(t, err)

	sweeper.SweepOnce(ctx)

	_, err = st.GetAgent(ctx, "gone:1")
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestSweepOnceLeavesHealthyAgentsActive(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	record := &registry.AgentRecord{
		AgentID:         "healthy:1",
		Name:            "healthy",
		Version:         "1",
		TTLSeconds:      60,
		LastHeartbeatAt: time.Now(),
		Status:          registry.AgentStatusActive,
	}
	require.NoError(t, st.SaveAgent(ctx, record))

	sweeper, err := registry.NewSweeper(registry.SweeperOptions{Store: st})
	require.NoError(t, err)
	sweeper.SweepOnce(ctx)

	got, err := st.GetAgent(ctx, "healthy:1")
	require.NoError(t, err)
	require.Equal(t, registry.AgentStatusActive, got.Status)
}
