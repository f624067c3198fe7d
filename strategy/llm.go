package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/GoCodeAlone/tourmatch/market"
	"github.com/GoCodeAlone/tourmatch/provider"
)

const defaultSystemPrompt = `You act for one participant in a marketplace that pairs tour guides with tourists.
Reply with a single JSON object and nothing else.`

// LLMOptions configures an LLM strategy.
type LLMOptions struct {
	SystemPrompt string
	Logger       *slog.Logger
}

// LLM asks a language model for each move. When the model fails or its
// reply cannot be used, the fallback strategy decides instead.
type LLM struct {
	provider provider.Provider
	fallback *Heuristic
	system   string
	logger   *slog.Logger
}

// NewLLM returns an LLM strategy backed by p.
func NewLLM(p provider.Provider, fallback *Heuristic, opts LLMOptions) *LLM {
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = defaultSystemPrompt
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &LLM{provider: p, fallback: fallback, system: opts.SystemPrompt, logger: opts.Logger}
}

func (l *LLM) Name() string { return "llm/" + l.provider.Name() }

// submissionReply is the JSON shape the model returns for Next.
type submissionReply struct {
	Categories      []string         `json:"categories"`
	WindowStart     time.Time        `json:"window_start"`
	WindowEnd       time.Time        `json:"window_end"`
	HourlyRate      *decimal.Decimal `json:"hourly_rate"`
	MaxGroupSize    int              `json:"max_group_size"`
	Budget          *decimal.Decimal `json:"budget"`
	PartySize       int              `json:"party_size"`
	DurationMinutes int              `json:"duration_minutes"`
}

type decisionReply struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

func (l *LLM) Next(ctx context.Context, s State) (Submission, error) {
	base, err := l.fallback.Next(ctx, s)
	if err != nil {
		return Submission{}, err
	}
	ask := "Propose your next offer. Fields: categories, window_start, window_end (RFC 3339), hourly_rate, max_group_size."
	suggestion := any(base.Offer)
	if base.Request != nil {
		ask = "Propose your next request. Fields: categories, window_start, window_end (RFC 3339), budget, party_size, duration_minutes."
		suggestion = base.Request
	}
	var reply submissionReply
	if err := l.ask(ctx, s, ask, map[string]any{"suggestion": suggestion}, &reply); err != nil {
		l.logger.Warn("llm submission unusable, using heuristic", slog.String("agent", s.Agent), slog.Any("err", err))
		return base, nil
	}
	if base.Offer != nil {
		o := *base.Offer
		if len(reply.Categories) > 0 {
			o.Categories = reply.Categories
		}
		if reply.WindowEnd.After(reply.WindowStart) && reply.WindowStart.After(s.Now) {
			o.WindowStart, o.WindowEnd = reply.WindowStart, reply.WindowEnd
		}
		if reply.HourlyRate != nil && !reply.HourlyRate.IsNegative() {
			o.HourlyRate = *reply.HourlyRate
		}
		if reply.MaxGroupSize > 0 {
			o.MaxGroupSize = reply.MaxGroupSize
		}
		return Submission{Offer: &o}, nil
	}
	r := *base.Request
	if len(reply.Categories) > 0 {
		r.Categories = reply.Categories
	}
	if reply.WindowEnd.After(reply.WindowStart) && reply.WindowStart.After(s.Now) {
		r.WindowStart, r.WindowEnd = reply.WindowStart, reply.WindowEnd
	}
	if reply.Budget != nil && !reply.Budget.IsNegative() {
		r.Budget = *reply.Budget
	}
	if reply.PartySize > 0 {
		r.PartySize = reply.PartySize
	}
	if reply.DurationMinutes > 0 {
		r.DurationMinutes = reply.DurationMinutes
	}
	if time.Duration(r.DurationMinutes)*time.Minute > r.WindowEnd.Sub(r.WindowStart) {
		r.DurationMinutes = 0
	}
	return Submission{Request: &r}, nil
}

func (l *LLM) Decide(ctx context.Context, s State, t *market.NegotiationTask) (Decision, error) {
	var reply decisionReply
	err := l.ask(ctx, s,
		`A proposal is waiting for your answer. Reply {"decision":"accept"} or {"decision":"reject","reason":"..."}.`,
		map[string]any{"proposal": t}, &reply)
	if err == nil {
		switch strings.ToLower(reply.Decision) {
		case "accept":
			return Decision{Accept: true}, nil
		case "reject":
			if reply.Reason == "" {
				reply.Reason = "declined"
			}
			return Decision{Reason: reply.Reason}, nil
		}
		err = fmt.Errorf("unknown decision %q", reply.Decision)
	}
	l.logger.Warn("llm decision unusable, using heuristic", slog.String("agent", s.Agent), slog.Any("err", err))
	return l.fallback.Decide(ctx, s, t)
}

// ask sends the state plus extra as JSON and decodes the first JSON object
// in the reply into v.
func (l *LLM) ask(ctx context.Context, s State, instruction string, extra map[string]any, v any) error {
	payload := map[string]any{"state": s}
	for k, val := range extra {
		payload[k] = val
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal prompt: %w", err)
	}
	resp, err := l.provider.Chat(ctx, []provider.Message{
		{Role: provider.RoleSystem, Content: l.system},
		{Role: provider.RoleUser, Content: fmt.Sprintf("You are %s, a %s.\n%s\n\n%s", s.Agent, s.Role, instruction, data)},
	})
	if err != nil {
		return err
	}
	return decodeObject(resp.Content, v)
}

// decodeObject extracts the outermost {...} span, tolerating prose or code
// fences around it.
func decodeObject(text string, v any) error {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return errors.New("reply holds no JSON object")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}
