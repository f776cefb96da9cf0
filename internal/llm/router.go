package llm

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/citizen-chat/resilience-core/internal/breaker"
	"github.com/citizen-chat/resilience-core/pkg/logger"
	"github.com/citizen-chat/resilience-core/pkg/metrics"
)

// BreakerPrefix namespaces provider breakers in the registry.
const BreakerPrefix = "llm:"

// ErrNoProviders is returned when the router has no configured clients.
var ErrNoProviders = errors.New("no LLM providers configured")

type route struct {
	client   Client
	breaker  *breaker.Breaker
	priority int
}

// Router sends completions to the healthiest provider. Each provider sits
// behind its own circuit breaker; providers are tried in order of their
// success rate over the breaker's rolling window, open circuits are skipped
// and ties keep the configured priority.
type Router struct {
	routes []*route
	logger *logger.Logger
}

// NewRouter builds a router over clients, listed in priority order.
func NewRouter(registry *breaker.Registry, log *logger.Logger, clients ...Client) *Router {
	r := &Router{logger: log.Named("llm")}
	for i, c := range clients {
		r.routes = append(r.routes, &route{
			client:   c,
			breaker:  registry.Get(BreakerPrefix + c.Name()),
			priority: i,
		})
	}
	return r
}

// ProviderStatus describes one provider as seen by the router.
type ProviderStatus struct {
	Name        string        `json:"name"`
	State       breaker.State `json:"state"`
	SuccessRate float64       `json:"success_rate"`
	Priority    int           `json:"priority"`
}

func successRate(c breaker.Counts) float64 {
	total := c.Total()
	if total == 0 {
		return 1
	}
	return float64(c.Successes) / float64(total)
}

// Providers returns providers in the order the next request would try them.
func (r *Router) Providers() []ProviderStatus {
	out := make([]ProviderStatus, 0, len(r.routes))
	for _, rt := range r.routes {
		snap := rt.breaker.State()
		out = append(out, ProviderStatus{
			Name:        rt.client.Name(),
			State:       snap.State,
			SuccessRate: successRate(snap.Counts),
			Priority:    rt.priority,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SuccessRate != out[j].SuccessRate {
			return out[i].SuccessRate > out[j].SuccessRate
		}
		return out[i].Priority < out[j].Priority
	})
	return out
}

// Complete tries providers until one succeeds. When every provider fails or
// is open, the result carries the last fallback.
func (r *Router) Complete(ctx context.Context, req *CompletionRequest) breaker.Result[*CompletionResponse] {
	if len(r.routes) == 0 {
		return breaker.Result[*CompletionResponse]{
			Fallback: &breaker.Fallback{
				Code:    breaker.CodeDownstreamFailure,
				Message: "The assistant is not available right now.",
				Breaker: "llm",
			},
			Err: ErrNoProviders,
		}
	}

	var last breaker.Result[*CompletionResponse]
	attempted := false

	for _, p := range r.Providers() {
		if p.State == breaker.Open {
			continue
		}
		rt := r.route(p.Name)
		attempted = true

		res := r.call(ctx, rt, req)
		if res.OK() {
			return res
		}
		last = res
		r.logger.Warn("llm provider failed",
			zap.String("provider", p.Name),
			zap.String("fallback", string(res.Fallback.Code)),
			zap.Error(res.Err),
		)
		if ctx.Err() != nil {
			break
		}
	}

	if !attempted {
		// Every circuit is open; let the top provider's breaker reject the
		// call so the rejection is counted and the fallback carries its
		// retry-after.
		return r.call(ctx, r.route(r.Providers()[0].Name), req)
	}
	return last
}

func (r *Router) call(ctx context.Context, rt *route, req *CompletionRequest) breaker.Result[*CompletionResponse] {
	start := time.Now()
	res := breaker.Do(ctx, rt.breaker, func(ctx context.Context) (*CompletionResponse, error) {
		return rt.client.Complete(ctx, req)
	})

	status := "success"
	model := req.Model
	tokensIn, tokensOut := 0, 0
	if res.OK() {
		model = res.Value.Model
		tokensIn, tokensOut = res.Value.TokensIn, res.Value.TokensOut
		if res.Value.Provider == "" {
			res.Value.Provider = rt.client.Name()
		}
	} else {
		status = string(res.Fallback.Code)
	}
	metrics.RecordLLM(rt.client.Name(), model, status, time.Since(start).Seconds(), tokensIn, tokensOut)
	return res
}

func (r *Router) route(name string) *route {
	for _, rt := range r.routes {
		if rt.client.Name() == name {
			return rt
		}
	}
	return nil
}
