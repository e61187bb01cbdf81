package queue

import "github.com/bwmarrin/snowflake"

type DiscoveryMode string

const (
	DiscoveryMiner DiscoveryMode = "miner"
	DiscoveryScout DiscoveryMode = "scout"
)

type CampaignPayload struct {
	CampaignID snowflake.ID `json:"campaignId"`
}

type SiteAnalysisPayload struct {
	CampaignID snowflake.ID `json:"campaignId"`
	// ThenDiscover chains the miner sweep once the profile is filled in.
	ThenDiscover bool `json:"thenDiscover"`
}

type DiscoveryPayload struct {
	CampaignID snowflake.ID  `json:"campaignId"`
	Mode       DiscoveryMode `json:"mode"`
}

type ScoringPayload struct {
	OpportunityID snowflake.ID `json:"opportunityId"`
}

type GenerationPayload struct {
	OpportunityID snowflake.ID `json:"opportunityId"`
	Version       int          `json:"version"`
}

type PostingPayload struct {
	OpportunityID snowflake.ID `json:"opportunityId"`
}

type TrackingPayload struct {
	OpportunityID snowflake.ID `json:"opportunityId"`
	CheckNumber   int          `json:"checkNumber"`
}
