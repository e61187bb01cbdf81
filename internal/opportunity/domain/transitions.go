package domain

import "fmt"

// Event names a cause of an opportunity status change.
type Event string

const (
	EventSkipLowRelevance Event = "skip_low_relevance"
	EventNeedsReview      Event = "needs_review"
	EventAutoApprove      Event = "auto_approve"
	EventApprove          Event = "approve"
	EventStartGeneration  Event = "start_generation"
	EventNoFit            Event = "no_fit"
	EventCommentReady     Event = "comment_ready"
	EventQueuePosting     Event = "queue_posting"
	EventApproveComment   Event = "approve_comment"
	EventRegenerate       Event = "regenerate"
	EventPosted           Event = "posted"
	EventPostFailed       Event = "post_failed"
	EventPostSkipped      Event = "post_skipped"
	EventReject           Event = "reject"
	EventExpire           Event = "expire"
	EventExhausted        Event = "exhausted"
	EventRemovedEarly     Event = "removed_early"
)

type transitionKey struct {
	from  Status
	event Event
}

var transitions = map[transitionKey]Status{
	{StatusDiscovered, EventSkipLowRelevance}: StatusSkipped,
	{StatusDiscovered, EventNeedsReview}:      StatusPendingReview,
	{StatusDiscovered, EventAutoApprove}:      StatusApproved,

	{StatusPendingReview, EventApprove}: StatusApproved,

	{StatusApproved, EventStartGeneration}: StatusGenerating,

	{StatusGenerating, EventNoFit}:        StatusSkipped,
	{StatusGenerating, EventCommentReady}: StatusReadyForReview,
	{StatusGenerating, EventQueuePosting}: StatusPosting,

	{StatusReadyForReview, EventApproveComment}: StatusPosting,
	{StatusReadyForReview, EventRegenerate}:     StatusApproved,

	{StatusPosting, EventPosted}:      StatusPosted,
	{StatusPosting, EventPostFailed}:  StatusFailed,
	{StatusPosting, EventPostSkipped}: StatusSkipped,

	{StatusDiscovered, EventReject}:     StatusRejected,
	{StatusPendingReview, EventReject}:  StatusRejected,
	{StatusReadyForReview, EventReject}: StatusRejected,

	{StatusPendingReview, EventExpire}:  StatusExpired,
	{StatusReadyForReview, EventExpire}: StatusExpired,

	{StatusDiscovered, EventExhausted}: StatusFailed,
	{StatusApproved, EventExhausted}:   StatusFailed,
	{StatusGenerating, EventExhausted}: StatusFailed,
	{StatusPosting, EventExhausted}:    StatusFailed,

	// Early removal is the only transition out of a terminal status.
	{StatusPosted, EventRemovedEarly}: StatusFailed,
}

// TransitionError reports an event that is not allowed from the current status.
type TransitionError struct {
	From  Status
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid_transition: %s from %s", e.Event, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Next returns the status an event leads to from the given status.
func Next(from Status, event Event) (Status, error) {
	to, ok := transitions[transitionKey{from: from, event: event}]
	if !ok {
		return "", &TransitionError{From: from, Event: event}
	}
	return to, nil
}

// SourcesFor lists every status from which event is allowed.
func SourcesFor(event Event) []Status {
	var out []Status
	for _, status := range allStatuses {
		if _, ok := transitions[transitionKey{from: status, event: event}]; ok {
			out = append(out, status)
		}
	}
	return out
}

var allStatuses = []Status{
	StatusDiscovered, StatusPendingReview, StatusApproved, StatusGenerating, StatusReadyForReview,
	StatusPosting, StatusPosted, StatusSkipped, StatusRejected, StatusFailed, StatusExpired,
}
