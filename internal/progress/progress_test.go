package progress

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/threadscout/internal/clock"
	"github.com/smallbiznis/threadscout/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newPublisher(t *testing.T) (*miniredis.Miniredis, *clock.FakeClock, *Publisher) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clk := clock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	holder := config.NewStaticPipelineConfigHolder(config.DefaultPipelineConfig())
	return mr, clk, NewPublisher(client, clk, holder, zap.NewNop())
}

func TestUpdateMergesIntoExistingSnapshot(t *testing.T) {
	_, clk, pub := newPublisher(t)
	ctx := context.Background()
	campaignID := snowflake.ID(9)
	started := clk.Now()

	require.NoError(t, pub.Update(ctx, campaignID, func(p *Progress) {
		p.Stage = StageSearching
		p.ThreadsFound = 12
	}))

	clk.Advance(time.Minute)
	require.NoError(t, pub.Update(ctx, campaignID, func(p *Progress) {
		p.Stage = StageSaving
		p.OpportunitiesCreated = 4
	}))

	got, err := pub.Get(ctx, campaignID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StageSaving, got.Stage)
	assert.Equal(t, 12, got.ThreadsFound)
	assert.Equal(t, 4, got.OpportunitiesCreated)
	assert.True(t, got.StartedAt.Equal(started))
	assert.True(t, got.UpdatedAt.Equal(started.Add(time.Minute)))
}

func TestProgressExpiresAfterInactivity(t *testing.T) {
	mr, _, pub := newPublisher(t)
	ctx := context.Background()
	campaignID := snowflake.ID(3)

	pub.Publish(ctx, campaignID, func(p *Progress) { p.Stage = StageStarting })
	assert.Equal(t, 5*time.Minute, mr.TTL("progress:campaign:3"))

	mr.FastForward(6 * time.Minute)
	got, err := pub.Get(ctx, campaignID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResetClearsCounters(t *testing.T) {
	_, _, pub := newPublisher(t)
	ctx := context.Background()
	campaignID := snowflake.ID(5)

	pub.Publish(ctx, campaignID, func(p *Progress) { p.ThreadsFound = 10 })
	pub.Reset(ctx, campaignID, StageStarting, "scouting")

	got, err := pub.Get(ctx, campaignID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0, got.ThreadsFound)
	assert.Equal(t, "scouting", got.Message)
}
