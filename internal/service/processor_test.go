package service

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/citizen-chat/resilience-core/internal/breaker"
	"github.com/citizen-chat/resilience-core/internal/convstate"
	"github.com/citizen-chat/resilience-core/internal/llm"
	"github.com/citizen-chat/resilience-core/internal/model"
	"github.com/citizen-chat/resilience-core/pkg/logger"
)

type scriptedCompleter struct {
	answers []string
	calls   atomic.Int32
	prompts []string
	fb      *breaker.Fallback
}

func (s *scriptedCompleter) Complete(_ context.Context, req *llm.CompletionRequest) breaker.Result[*llm.CompletionResponse] {
	n := int(s.calls.Add(1)) - 1
	s.prompts = append(s.prompts, req.Messages[0].Content)
	if s.fb != nil {
		return breaker.Result[*llm.CompletionResponse]{Fallback: s.fb, Err: breaker.ErrOpen}
	}
	answer := s.answers[len(s.answers)-1]
	if n < len(s.answers) {
		answer = s.answers[n]
	}
	return breaker.Result[*llm.CompletionResponse]{Value: &llm.CompletionResponse{Content: answer, Provider: "fake"}}
}

func newTestProcessor(t *testing.T, c Completer) *LLMProcessor {
	t.Helper()
	return NewLLMProcessor(c, "", 2, time.Millisecond, logger.Wrap(zaptest.NewLogger(t)))
}

func TestLLMProcessor_ParsesStructuredAnswer(t *testing.T) {
	t.Parallel()

	c := &scriptedCompleter{answers: []string{"```json\n{\"reply\":\"Di mana lokasinya?\",\"intent\":\"report_streetlight\",\"missing_fields\":[\"location\"]}\n```"}}
	p := newTestProcessor(t, c)

	out, err := p.Process(context.Background(), model.InboundMessage{ID: "m1"}, "lampu mati", convstate.Context{})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Text != "Di mana lokasinya?" || out.Intent != "report_streetlight" || len(out.MissingFields) != 1 {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestLLMProcessor_RetriesMalformedInLine(t *testing.T) {
	t.Parallel()

	c := &scriptedCompleter{answers: []string{"not json", `{"reply":"ok"}`}}
	p := newTestProcessor(t, c)

	out, err := p.Process(context.Background(), model.InboundMessage{ID: "m1"}, "halo", convstate.Context{})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Text != "ok" || c.calls.Load() != 2 {
		t.Fatalf("expected success on second attempt, got %+v after %d calls", out, c.calls.Load())
	}
}

func TestLLMProcessor_ExhaustedRetriesReturnError(t *testing.T) {
	t.Parallel()

	c := &scriptedCompleter{answers: []string{`{"reply":""}`}}
	p := newTestProcessor(t, c)

	_, err := p.Process(context.Background(), model.InboundMessage{ID: "m1"}, "halo", convstate.Context{})
	if !errors.Is(err, ErrMalformedCompletion) {
		t.Fatalf("expected ErrMalformedCompletion, got %v", err)
	}
	if c.calls.Load() != 3 {
		t.Fatalf("expected initial call plus 2 retries, got %d", c.calls.Load())
	}
}

func TestLLMProcessor_FallbackPassesThrough(t *testing.T) {
	t.Parallel()

	c := &scriptedCompleter{fb: &breaker.Fallback{Code: breaker.CodeCircuitOpen}}
	p := newTestProcessor(t, c)

	out, err := p.Process(context.Background(), model.InboundMessage{ID: "m1"}, "halo", convstate.Context{})
	if err != nil {
		t.Fatalf("fallbacks are not errors: %v", err)
	}
	if out.Fallback == nil || c.calls.Load() != 1 {
		t.Fatalf("expected a single call returning the fallback, got %+v", out)
	}
}

func TestLLMProcessor_PromptCarriesConversationState(t *testing.T) {
	t.Parallel()

	c := &scriptedCompleter{answers: []string{`{"reply":"Terima kasih"}`}}
	p := newTestProcessor(t, c)

	conv := convstate.Context{State: convstate.Collecting, LastIntent: "report_pothole", MissingFields: []string{"photo"}}
	if _, err := p.Process(context.Background(), model.InboundMessage{ID: "m1"}, "Jl. Sudirman", conv); err != nil {
		t.Fatalf("process: %v", err)
	}
	prompt := c.prompts[0]
	for _, want := range []string{"collecting", "report_pothole", "photo", "Jl. Sudirman"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt %q missing %q", prompt, want)
		}
	}
}
