package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/citizen-chat/resilience-core/internal/breaker"
	"github.com/citizen-chat/resilience-core/internal/convstate"
	"github.com/citizen-chat/resilience-core/internal/llm"
	"github.com/citizen-chat/resilience-core/internal/model"
	"github.com/citizen-chat/resilience-core/pkg/logger"
)

// ErrMalformedCompletion is returned when the model's answer cannot be used
// even after in-line retries.
var ErrMalformedCompletion = errors.New("model returned an unusable completion")

// Outcome is what processing produced for one (possibly batched) message.
type Outcome struct {
	Text          string
	Intent        string
	MissingFields []string
	// Completed reports that the citizen confirmed and the report flow ended.
	Completed bool
	// Fallback is set when the downstream call was skipped or failed; Text is
	// then empty.
	Fallback *breaker.Fallback
}

// Processor turns user text into a reply. Downstream failures come back as
// Outcome.Fallback; errors are reserved for failures after the downstream
// call succeeded.
type Processor interface {
	Process(ctx context.Context, msg model.InboundMessage, text string, conv convstate.Context) (Outcome, error)
}

// Completer is the part of llm.Router the processor needs.
type Completer interface {
	Complete(ctx context.Context, req *llm.CompletionRequest) breaker.Result[*llm.CompletionResponse]
}

// LLMProcessor asks the model for a structured answer.
type LLMProcessor struct {
	completer Completer
	model     string
	retries   uint64
	interval  time.Duration
	logger    *logger.Logger
}

// NewLLMProcessor creates a processor. Malformed completions are re-requested
// up to retries times with exponential backoff starting at interval.
func NewLLMProcessor(completer Completer, modelName string, retries uint64, interval time.Duration, log *logger.Logger) *LLMProcessor {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &LLMProcessor{
		completer: completer,
		model:     modelName,
		retries:   retries,
		interval:  interval,
		logger:    log.Named("processor"),
	}
}

const systemPrompt = `You are the assistant of a city public-service desk. Citizens report problems
(broken street lights, potholes, garbage, flooding) and ask questions.
Answer in the citizen's language. Respond with a single JSON object:
{"reply": "<text for the citizen>", "intent": "<short intent name or empty>",
 "missing_fields": ["<required report fields still unknown>"],
 "completed": <true once the citizen confirmed the report, otherwise false>}`

type structuredAnswer struct {
	Reply         string   `json:"reply"`
	Intent        string   `json:"intent"`
	MissingFields []string `json:"missing_fields"`
	Completed     bool     `json:"completed"`
}

func buildPrompt(text string, conv convstate.Context) string {
	if conv.State == "" || conv.State == convstate.Idle {
		return text
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Conversation state: %s.", conv.State)
	if conv.LastIntent != "" {
		fmt.Fprintf(&b, " Current intent: %s.", conv.LastIntent)
	}
	if len(conv.MissingFields) > 0 {
		fmt.Fprintf(&b, " Still missing: %s.", strings.Join(conv.MissingFields, ", "))
	}
	b.WriteString("\n\n")
	b.WriteString(text)
	return b.String()
}

// parseAnswer accepts the JSON object, optionally wrapped in a code fence.
func parseAnswer(content string) (structuredAnswer, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var a structuredAnswer
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &a); err != nil {
		return a, fmt.Errorf("%w: %v", ErrMalformedCompletion, err)
	}
	if strings.TrimSpace(a.Reply) == "" {
		return a, fmt.Errorf("%w: empty reply", ErrMalformedCompletion)
	}
	return a, nil
}

// Process implements Processor.
func (p *LLMProcessor) Process(ctx context.Context, msg model.InboundMessage, text string, conv convstate.Context) (Outcome, error) {
	req := &llm.CompletionRequest{
		Model:       p.model,
		System:      systemPrompt,
		Messages:    []llm.ChatMessage{{Role: llm.RoleUser, Content: buildPrompt(text, conv)}},
		MaxTokens:   512,
		Temperature: 0.2,
	}

	var out Outcome
	op := func() error {
		res := p.completer.Complete(ctx, req)
		if !res.OK() {
			out = Outcome{Fallback: res.Fallback}
			return nil
		}
		answer, err := parseAnswer(res.Value.Content)
		if err != nil {
			p.logger.Warn("unusable completion",
				zap.String("message_id", msg.ID),
				zap.String("provider", res.Value.Provider),
				zap.Error(err),
			)
			return err
		}
		out = Outcome{
			Text:          answer.Reply,
			Intent:        answer.Intent,
			MissingFields: answer.MissingFields,
			Completed:     answer.Completed,
		}
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.interval
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, p.retries), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		return Outcome{}, err
	}
	return out, nil
}
