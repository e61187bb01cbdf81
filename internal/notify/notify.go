package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"

	campaigndomain "github.com/smallbiznis/threadscout/internal/campaign/domain"
	obslogger "github.com/smallbiznis/threadscout/internal/observability/logger"
	"github.com/smallbiznis/threadscout/internal/providers/email"
	"github.com/smallbiznis/threadscout/internal/providers/slack"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("notify",
	fx.Provide(New),
)

var autoPauseTemplate = template.Must(template.New("auto_pause").Parse(`<p>Your campaign <strong>{{.Name}}</strong> was paused automatically.</p>
<p>{{.Failures}} comments failed to post within {{.Window}}. Check your posting account, then resume the campaign from the dashboard.</p>`))

type Params struct {
	fx.In

	Email email.Provider
	Slack slack.Provider
	Log   *zap.Logger
}

// Notifier tells campaign owners and operators about events that need a human.
// Delivery failures are logged and never returned.
type Notifier struct {
	email email.Provider
	slack slack.Provider
	log   *zap.Logger
}

func New(p Params) *Notifier {
	return &Notifier{
		email: p.Email,
		slack: p.Slack,
		log:   p.Log.Named("notify"),
	}
}

type AutoPauseNotice struct {
	Campaign campaigndomain.Campaign
	Failures int64
	Window   string
}

func (n *Notifier) CampaignAutoPaused(ctx context.Context, notice AutoPauseNotice) {
	log := obslogger.WithContext(ctx, n.log).With(
		zap.String("campaign_id", notice.Campaign.ID.String()),
		zap.Int64("failures", notice.Failures),
	)

	if n.slack != nil {
		msg := fmt.Sprintf(":warning: campaign %q (%s) auto-paused after %d posting failures in %s",
			notice.Campaign.Name, notice.Campaign.ID, notice.Failures, notice.Window)
		if err := n.slack.PostMessage(ctx, msg); err != nil {
			log.Warn("slack notification failed", zap.Error(err))
		}
	}

	to := strings.TrimSpace(notice.Campaign.OwnerEmail)
	if n.email == nil || to == "" {
		return
	}
	var body bytes.Buffer
	if err := autoPauseTemplate.Execute(&body, map[string]any{
		"Name":     notice.Campaign.Name,
		"Failures": notice.Failures,
		"Window":   notice.Window,
	}); err != nil {
		log.Warn("render auto-pause email failed", zap.Error(err))
		return
	}
	subject := fmt.Sprintf("Campaign %s paused", notice.Campaign.Name)
	if err := n.email.Send(ctx, []string{to}, subject, body.String()); err != nil {
		log.Warn("auto-pause email failed", zap.Error(err))
	}
}
