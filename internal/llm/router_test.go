package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/citizen-chat/resilience-core/internal/breaker"
	"github.com/citizen-chat/resilience-core/pkg/logger"
)

type fakeClient struct {
	name  string
	fail  atomic.Bool
	calls atomic.Int32
}

func (f *fakeClient) Name() string     { return f.name }
func (f *fakeClient) Models() []string { return []string{f.name + "-model"} }

func (f *fakeClient) Complete(_ context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return nil, errors.New(f.name + " unavailable")
	}
	return &CompletionResponse{Content: "reply from " + f.name, Model: f.name + "-model", TokensIn: 3, TokensOut: 5}, nil
}

func newTestRouter(t *testing.T, clients ...Client) (*Router, *breaker.Registry) {
	t.Helper()
	log := logger.Wrap(zaptest.NewLogger(t))
	reg := breaker.NewRegistry(breaker.Options{
		Timeout:                  time.Second,
		VolumeThreshold:          2,
		ErrorThresholdPercentage: 50,
		ResetTimeout:             time.Hour,
	}, log)
	t.Cleanup(reg.Close)
	return NewRouter(reg, log, clients...), reg
}

func TestRouter_PrefersConfiguredPriorityWhenHealthy(t *testing.T) {
	t.Parallel()

	primary := &fakeClient{name: "anthropic"}
	secondary := &fakeClient{name: "openai"}
	r, _ := newTestRouter(t, primary, secondary)

	res := r.Complete(context.Background(), &CompletionRequest{Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}}})
	if !res.OK() {
		t.Fatalf("expected success, got fallback %+v", res.Fallback)
	}
	if res.Value.Provider != "anthropic" {
		t.Fatalf("expected the first provider, got %s", res.Value.Provider)
	}
	if secondary.calls.Load() != 0 {
		t.Fatalf("secondary must not be called")
	}
}

func TestRouter_FailsOverAndReordersBySuccessRate(t *testing.T) {
	t.Parallel()

	primary := &fakeClient{name: "anthropic"}
	secondary := &fakeClient{name: "openai"}
	primary.fail.Store(true)
	r, _ := newTestRouter(t, primary, secondary)

	res := r.Complete(context.Background(), &CompletionRequest{})
	if !res.OK() || res.Value.Provider != "openai" {
		t.Fatalf("expected failover to openai, got %+v", res)
	}

	order := r.Providers()
	if order[0].Name != "openai" {
		t.Fatalf("expected openai ranked first after primary failure, got %+v", order)
	}
	if order[1].SuccessRate != 0 {
		t.Fatalf("expected anthropic success rate 0, got %v", order[1].SuccessRate)
	}
}

func TestRouter_SkipsOpenCircuits(t *testing.T) {
	t.Parallel()

	primary := &fakeClient{name: "anthropic"}
	secondary := &fakeClient{name: "openai"}
	r, reg := newTestRouter(t, primary, secondary)

	primary.fail.Store(true)
	secondary.fail.Store(true)
	for i := 0; i < 2; i++ {
		if res := r.Complete(context.Background(), &CompletionRequest{}); res.OK() {
			t.Fatalf("expected fallback while both providers fail")
		}
	}
	for _, s := range reg.List() {
		if s.State != breaker.Open {
			t.Fatalf("expected %s open, got %s", s.Name, s.State)
		}
	}

	before := primary.calls.Load() + secondary.calls.Load()
	res := r.Complete(context.Background(), &CompletionRequest{})
	if res.OK() || res.Fallback.Code != breaker.CodeCircuitOpen {
		t.Fatalf("expected circuit_open fallback, got %+v", res)
	}
	if res.Fallback.RetryAfter <= 0 {
		t.Fatalf("expected retry-after on open fallback")
	}
	if after := primary.calls.Load() + secondary.calls.Load(); after != before {
		t.Fatalf("open providers must not be called")
	}
}

func TestRouter_NoProviders(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)
	res := r.Complete(context.Background(), &CompletionRequest{})
	if res.OK() || !errors.Is(res.Err, ErrNoProviders) {
		t.Fatalf("expected ErrNoProviders fallback, got %+v", res)
	}
}

func TestNewClient_UnknownProvider(t *testing.T) {
	t.Parallel()

	if _, err := NewClient("mystery", "key"); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
	if _, err := NewClient(ProviderOpenAI, ""); err == nil {
		t.Fatalf("expected error for missing key")
	}
}
