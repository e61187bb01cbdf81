package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/threadscout/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("dedup",
	fx.Provide(NewSeenSet),
)

const keySeenThreads = "seen:campaign:%s"

// SeenSet records which source threads a campaign has already discovered.
// Both the membership check and the write are a single round trip.
type SeenSet struct {
	client   *redis.Client
	policies *config.PipelineConfigHolder
}

func NewSeenSet(client *redis.Client, policies *config.PipelineConfigHolder) *SeenSet {
	return &SeenSet{client: client, policies: policies}
}

func (s *SeenSet) key(campaignID snowflake.ID) string {
	return fmt.Sprintf(keySeenThreads, campaignID.String())
}

func (s *SeenSet) ttl() time.Duration {
	ttl := s.policies.Get().Discovery.SeenTTL
	if ttl <= 0 {
		ttl = config.DefaultPipelineConfig().Discovery.SeenTTL
	}
	return ttl
}

// FilterUnseen returns the ids not yet recorded for the campaign, preserving input order.
func (s *SeenSet) FilterUnseen(ctx context.Context, campaignID snowflake.ID, threadIDs []string) ([]string, error) {
	if len(threadIDs) == 0 {
		return nil, nil
	}
	members := make([]interface{}, len(threadIDs))
	for i, id := range threadIDs {
		members[i] = id
	}

	flags, err := s.client.SMIsMember(ctx, s.key(campaignID), members...).Result()
	if err != nil {
		return nil, err
	}

	unseen := make([]string, 0, len(threadIDs))
	for i, seen := range flags {
		if !seen {
			unseen = append(unseen, threadIDs[i])
		}
	}
	return unseen, nil
}

// MarkSeen adds ids to the campaign's set and refreshes the set expiry.
func (s *SeenSet) MarkSeen(ctx context.Context, campaignID snowflake.ID, threadIDs []string) error {
	if len(threadIDs) == 0 {
		return nil
	}
	members := make([]interface{}, len(threadIDs))
	for i, id := range threadIDs {
		members[i] = id
	}

	key := s.key(campaignID)
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, key, members...)
	pipe.Expire(ctx, key, s.ttl())
	_, err := pipe.Exec(ctx)
	return err
}

// Forget drops the campaign's seen set, used when a campaign is reset.
func (s *SeenSet) Forget(ctx context.Context, campaignID snowflake.ID) error {
	return s.client.Del(ctx, s.key(campaignID)).Err()
}
