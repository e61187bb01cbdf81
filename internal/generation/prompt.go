package generation

import (
	"fmt"
	"strings"

	campaigndomain "github.com/smallbiznis/threadscout/internal/campaign/domain"
	"github.com/smallbiznis/threadscout/internal/config"
	"github.com/smallbiznis/threadscout/internal/llm"
	opportunitydomain "github.com/smallbiznis/threadscout/internal/opportunity/domain"
)

var postTypeGuidance = map[opportunitydomain.PostType]string{
	opportunitydomain.PostTypeShowcase:   "The author is sharing their own work. Lead with genuine feedback on it before anything else.",
	opportunitydomain.PostTypeQuestion:   "The author asked for help. Answer the question directly first.",
	opportunitydomain.PostTypeDiscussion: "This is an open discussion. Add a concrete experience or opinion to it.",
}

func buildPrompt(opp *opportunitydomain.Opportunity, campaign *campaigndomain.Campaign, persona config.Persona, postType opportunitydomain.PostType, banned []string) []llm.Message {
	profile := campaign.Profile()

	var sys strings.Builder
	fmt.Fprintf(&sys, "You write Reddit comments as %s.\n", persona.Voice)
	fmt.Fprintf(&sys, "You may mention %s (%s) exactly once, only where it genuinely helps, and never in the first sentence.\n", profile.Name, profile.Description)
	if len(profile.ValueProps) > 0 {
		fmt.Fprintf(&sys, "What it does well: %s.\n", strings.Join(profile.ValueProps, "; "))
	}
	if profile.Tone != "" {
		fmt.Fprintf(&sys, "Tone: %s.\n", profile.Tone)
	}
	sys.WriteString(postTypeGuidance[postType])
	sys.WriteString("\nWrite in first person, plain text, between 50 and 600 characters. Do not use em-dashes.\n")
	if len(banned) > 0 {
		fmt.Fprintf(&sys, "Never use these phrases: %s.\n", strings.Join(banned, ", "))
	}
	fmt.Fprintf(&sys, "If there is no natural way to bring up %s, reply with exactly %s and nothing else.", profile.Name, NoFitSentinel)

	var user strings.Builder
	fmt.Fprintf(&user, "Subreddit: r/%s\nTitle: %s\n\n%s\n", opp.Subreddit, opp.Title, opp.BodyExcerpt)
	if opp.ReplyTarget() {
		fmt.Fprintf(&user, "\nYou are replying to this comment, not to the post:\n%s\n", opp.ParentCommentText)
	}
	user.WriteString("\nWrite the comment.")

	return []llm.Message{llm.System(sys.String()), llm.User(user.String())}
}
