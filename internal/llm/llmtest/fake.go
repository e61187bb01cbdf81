package llmtest

import (
	"context"
	"sync"

	"github.com/smallbiznis/threadscout/internal/llm"
	"google.golang.org/genai"
)

// Call records one request made against the fake.
type Call struct {
	Kind        string
	Model       string
	Messages    []llm.Message
	Temperature float32
}

// Fake is a scripted llm.Client. Each hook defaults to an empty answer when nil.
type Fake struct {
	mu    sync.Mutex
	calls []Call

	CompletionFn func(model string, messages []llm.Message, temperature float32) (string, error)
	JSONFn       func(model string, messages []llm.Message) (string, error)
	GroundedFn   func(model string, messages []llm.Message) (string, error)
}

var _ llm.Client = (*Fake)(nil)

func (f *Fake) ChatCompletion(_ context.Context, model string, messages []llm.Message, temperature float32) (string, error) {
	f.record(Call{Kind: "completion", Model: model, Messages: messages, Temperature: temperature})
	if f.CompletionFn == nil {
		return "", llm.ErrEmptyResponse
	}
	return f.CompletionFn(model, messages, temperature)
}

func (f *Fake) ChatCompletionJSON(_ context.Context, model string, _ *genai.Schema, messages []llm.Message, out any) error {
	f.record(Call{Kind: "json", Model: model, Messages: messages})
	if f.JSONFn == nil {
		return llm.ErrEmptyResponse
	}
	text, err := f.JSONFn(model, messages)
	if err != nil {
		return err
	}
	return llm.DecodeJSON(text, out)
}

func (f *Fake) GroundedCompletion(_ context.Context, model string, messages []llm.Message) (string, error) {
	f.record(Call{Kind: "grounded", Model: model, Messages: messages})
	if f.GroundedFn == nil {
		return "", llm.ErrEmptyResponse
	}
	return f.GroundedFn(model, messages)
}

func (f *Fake) record(c Call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

// Calls returns a copy of recorded calls, optionally filtered by kind.
func (f *Fake) Calls(kind string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, 0, len(f.calls))
	for _, c := range f.calls {
		if kind == "" || c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}
