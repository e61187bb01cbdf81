package context

import (
	"context"
	"strings"
)

type requestIDKey struct{}
type campaignIDKey struct{}
type opportunityIDKey struct{}
type jobKey struct{}
type actorKey struct{}

type jobInfo struct {
	queue string
	id    string
}

type actorInfo struct {
	kind string
	id   string
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withString(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, requestIDKey{})
}

func WithCampaignID(ctx context.Context, campaignID string) context.Context {
	return withString(ctx, campaignIDKey{}, campaignID)
}

func CampaignIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, campaignIDKey{})
}

func WithOpportunityID(ctx context.Context, opportunityID string) context.Context {
	return withString(ctx, opportunityIDKey{}, opportunityID)
}

func OpportunityIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, opportunityIDKey{})
}

// WithJob tags the context with the queue job currently being handled.
func WithJob(ctx context.Context, queue, jobID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, jobKey{}, jobInfo{queue: strings.TrimSpace(queue), id: strings.TrimSpace(jobID)})
}

func JobFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	info, _ := ctx.Value(jobKey{}).(jobInfo)
	return info.queue, info.id
}

func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorKey{}, actorInfo{kind: strings.TrimSpace(actorType), id: strings.TrimSpace(actorID)})
}

func ActorFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	info, _ := ctx.Value(actorKey{}).(actorInfo)
	return info.kind, info.id
}

func withString(ctx context.Context, key any, value string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringFrom(ctx context.Context, key any) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}
