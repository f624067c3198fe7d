package strategy

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/tourmatch/config"
	"github.com/GoCodeAlone/tourmatch/market"
	"github.com/GoCodeAlone/tourmatch/provider/mock"
)

var now = time.Date(2026, 10, 17, 10, 20, 0, 0, time.UTC)

func guideProfile(t *testing.T) Profile {
	t.Helper()
	p, err := ParseProfile(RoleGuide, config.ProfileConfig{
		Categories:   []string{"history"},
		HourlyRate:   "50",
		MaxGroupSize: 4,
	})
	require.NoError(t, err)
	return p
}

func touristProfile(t *testing.T) Profile {
	t.Helper()
	p, err := ParseProfile(RoleTourist, config.ProfileConfig{
		Categories:      []string{"food"},
		Budget:          "150",
		PartySize:       3,
		DurationMinutes: 120,
	})
	require.NoError(t, err)
	return p
}

func failures(n int) State {
	s := State{Agent: "a", Now: now, Outcomes: []Outcome{{TaskID: "t0", State: market.TaskAccepted}}}
	for i := 0; i < n; i++ {
		s.Outcomes = append(s.Outcomes, Outcome{TaskID: "t", State: market.TaskRejected})
	}
	return s
}

func proposal(group int, total string) *market.NegotiationTask {
	return &market.NegotiationTask{
		ID:    "T1",
		State: market.TaskProposed,
		Terms: market.Terms{GroupSize: group, Total: decimal.RequireFromString(total)},
	}
}

func TestParseProfile(t *testing.T) {
	p := guideProfile(t)
	assert.Equal(t, 4, p.WindowHours)
	assert.Equal(t, time.Hour, p.LeadTime)
	assert.True(t, p.HourlyRate.Equal(decimal.NewFromInt(50)))

	tp, err := ParseProfile(RoleTourist, config.ProfileConfig{Categories: []string{"food"}, Budget: "20.5"})
	require.NoError(t, err)
	assert.Equal(t, 1, tp.PartySize)

	for name, tc := range map[string]struct {
		role Role
		pc   config.ProfileConfig
		want string
	}{
		"no categories":  {RoleGuide, config.ProfileConfig{HourlyRate: "10"}, "category"},
		"bad rate":       {RoleGuide, config.ProfileConfig{Categories: []string{"x"}, HourlyRate: "cheap"}, "hourly_rate"},
		"missing budget": {RoleTourist, config.ProfileConfig{Categories: []string{"x"}}, "budget"},
		"unknown role":   {Role("pilot"), config.ProfileConfig{Categories: []string{"x"}}, "unknown role"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseProfile(tc.role, tc.pc)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestFailuresCountsTrailingMisses(t *testing.T) {
	assert.Equal(t, 0, State{}.Failures())
	assert.Equal(t, 2, failures(2).Failures())
	s := failures(1)
	s.Outcomes = append(s.Outcomes, Outcome{State: market.TaskAccepted})
	assert.Equal(t, 0, s.Failures())
}

func TestHeuristicWindow(t *testing.T) {
	h := NewHeuristic(RoleGuide, guideProfile(t), true)
	start, end := h.Window(now)
	assert.Equal(t, time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC), start)
	assert.Equal(t, start.Add(4*time.Hour), end)

	p := touristProfile(t)
	p.WindowHours = 1
	start, end = NewHeuristic(RoleTourist, p, true).Window(now)
	assert.Equal(t, 2*time.Hour, end.Sub(start))
}

func TestHeuristicConcedes(t *testing.T) {
	g := NewHeuristic(RoleGuide, guideProfile(t), true)
	assert.Equal(t, "50", g.Rate(0).String())
	assert.Equal(t, "40", g.Rate(2).String())
	assert.Equal(t, "25", g.Rate(10).String())

	tr := NewHeuristic(RoleTourist, touristProfile(t), true)
	assert.Equal(t, "150", tr.Budget(0).String())
	assert.Equal(t, "195", tr.Budget(3).String())
	assert.Equal(t, "225", tr.Budget(9).String())
}

func TestHeuristicNext(t *testing.T) {
	ctx := context.Background()
	sub, err := NewHeuristic(RoleGuide, guideProfile(t), true).Next(ctx, failures(1))
	require.NoError(t, err)
	require.NotNil(t, sub.Offer)
	assert.Nil(t, sub.Request)
	assert.Equal(t, "45", sub.Offer.HourlyRate.String())
	assert.Equal(t, 4, sub.Offer.MaxGroupSize)
	o := sub.Offer.Offer()
	o.Owner = "alice"
	require.NoError(t, o.Validate())

	sub, err = NewHeuristic(RoleTourist, touristProfile(t), true).Next(ctx, failures(0))
	require.NoError(t, err)
	require.NotNil(t, sub.Request)
	assert.Equal(t, 3, sub.Request.PartySize)
	assert.Equal(t, 120, sub.Request.DurationMinutes)
	assert.Equal(t, []string{"food"}, sub.Request.Categories)
	r := sub.Request.Request()
	r.Owner = "bob"
	require.NoError(t, r.Validate())
}

func TestHeuristicDecide(t *testing.T) {
	ctx := context.Background()
	guide := NewHeuristic(RoleGuide, guideProfile(t), true)
	tourist := NewHeuristic(RoleTourist, touristProfile(t), true)

	for name, tc := range map[string]struct {
		h      *Heuristic
		s      State
		task   *market.NegotiationTask
		accept bool
		reason string
	}{
		"guide accepts":         {guide, failures(0), proposal(4, "200"), true, ""},
		"group too large":       {guide, failures(0), proposal(5, "200"), false, "group too large"},
		"tourist within budget": {tourist, failures(0), proposal(3, "150"), true, ""},
		"over budget":           {tourist, failures(0), proposal(3, "160"), false, "over budget"},
		"budget after misses":   {tourist, failures(1), proposal(3, "160"), true, ""},
		"not accepting":         {NewHeuristic(RoleGuide, guideProfile(t), false), failures(0), proposal(1, "1"), false, "not accepting proposals"},
	} {
		t.Run(name, func(t *testing.T) {
			d, err := tc.h.Decide(ctx, tc.s, tc.task)
			require.NoError(t, err)
			assert.Equal(t, tc.accept, d.Accept)
			assert.Equal(t, tc.reason, d.Reason)
		})
	}
}

func TestNew(t *testing.T) {
	base := config.AgentConfig{
		ID:      "alice",
		Role:    "guide",
		Profile: config.ProfileConfig{Categories: []string{"history"}, HourlyRate: "50"},
	}

	s, err := New(base, nil)
	require.NoError(t, err)
	assert.Equal(t, "heuristic", s.Name())

	llm := base
	llm.Strategy = "llm"
	llm.Provider = "mock"
	s, err = New(llm, nil)
	require.NoError(t, err)
	assert.Equal(t, "llm/mock", s.Name())

	noKey := llm
	noKey.Provider = "anthropic"
	noKey.APIKeyEnv = "TOURMATCH_TEST_UNSET_KEY"
	_, err = New(noKey, nil)
	assert.ErrorContains(t, err, "TOURMATCH_TEST_UNSET_KEY")

	t.Setenv("TOURMATCH_TEST_KEY", "k")
	withKey := noKey
	withKey.APIKeyEnv = "TOURMATCH_TEST_KEY"
	s, err = New(withKey, nil)
	require.NoError(t, err)
	assert.Equal(t, "llm/anthropic", s.Name())

	unknown := base
	unknown.Strategy = "oracle"
	_, err = New(unknown, nil)
	assert.ErrorContains(t, err, "unknown strategy")

	badRole := base
	badRole.Role = "pilot"
	_, err = New(badRole, nil)
	assert.Error(t, err)
}

func TestLLMNextUsesReply(t *testing.T) {
	p := mock.New(`Sure:
` + "```json" + `
{"categories":["art"],"window_start":"2026-10-18T09:00:00Z","window_end":"2026-10-18T13:00:00Z","hourly_rate":"42.5","max_group_size":6}
` + "```")
	l := NewLLM(p, NewHeuristic(RoleGuide, guideProfile(t), true), LLMOptions{})
	sub, err := l.Next(context.Background(), failures(0))
	require.NoError(t, err)
	require.NotNil(t, sub.Offer)
	assert.Equal(t, []string{"art"}, sub.Offer.Categories)
	assert.Equal(t, "42.5", sub.Offer.HourlyRate.String())
	assert.Equal(t, 6, sub.Offer.MaxGroupSize)
	assert.True(t, sub.Offer.WindowStart.Equal(time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)))

	calls := p.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0], 2)
	assert.Equal(t, defaultSystemPrompt, calls[0][0].Content)
	assert.True(t, strings.Contains(calls[0][1].Content, `"suggestion"`))
}

func TestLLMNextIgnoresInvalidFields(t *testing.T) {
	// window in the past and a negative budget are dropped
	p := mock.New(`{"window_start":"2020-01-01T09:00:00Z","window_end":"2020-01-01T10:00:00Z","budget":"-5"}`)
	h := NewHeuristic(RoleTourist, touristProfile(t), true)
	l := NewLLM(p, h, LLMOptions{})
	sub, err := l.Next(context.Background(), failures(0))
	require.NoError(t, err)
	require.NotNil(t, sub.Request)
	want, _ := h.Next(context.Background(), failures(0))
	assert.Equal(t, want.Request, sub.Request)
}

func TestLLMFallsBack(t *testing.T) {
	ctx := context.Background()
	h := NewHeuristic(RoleTourist, touristProfile(t), true)

	garbage := NewLLM(mock.New("I would rather not say."), h, LLMOptions{})
	sub, err := garbage.Next(ctx, failures(0))
	require.NoError(t, err)
	require.NotNil(t, sub.Request)
	assert.Equal(t, "150", sub.Request.Budget.String())

	failing := mock.New()
	failing.Err = errors.New("rate limited")
	d, err := NewLLM(failing, h, LLMOptions{}).Decide(ctx, failures(0), proposal(3, "500"))
	require.NoError(t, err)
	assert.False(t, d.Accept)
	assert.Equal(t, "over budget", d.Reason)

	unknown := NewLLM(mock.New(`{"decision":"maybe"}`), h, LLMOptions{})
	d, err = unknown.Decide(ctx, failures(0), proposal(3, "100"))
	require.NoError(t, err)
	assert.True(t, d.Accept)
}

func TestLLMDecide(t *testing.T) {
	ctx := context.Background()
	h := NewHeuristic(RoleGuide, guideProfile(t), true)
	p := mock.New(`{"decision":"ACCEPT"}`, `{"decision":"reject","reason":"too early"}`, `{"decision":"reject"}`)
	l := NewLLM(p, h, LLMOptions{SystemPrompt: "be picky"})

	d, err := l.Decide(ctx, failures(0), proposal(9, "900"))
	require.NoError(t, err)
	assert.True(t, d.Accept)

	d, err = l.Decide(ctx, failures(0), proposal(1, "10"))
	require.NoError(t, err)
	assert.Equal(t, Decision{Reason: "too early"}, d)

	d, err = l.Decide(ctx, failures(0), proposal(1, "10"))
	require.NoError(t, err)
	assert.Equal(t, Decision{Reason: "declined"}, d)

	assert.Equal(t, "be picky", p.Calls()[0][0].Content)
}

func TestDecodeObject(t *testing.T) {
	var d decisionReply
	require.NoError(t, decodeObject("```json\n{\"decision\":\"accept\"}\n```", &d))
	assert.Equal(t, "accept", d.Decision)
	assert.Error(t, decodeObject("no json here", &d))
	assert.Error(t, decodeObject("} backwards {", &d))
	assert.Error(t, decodeObject("{not json}", &d))
}

func TestSnapshot(t *testing.T) {
	o := &market.GuideOffer{HourlyRate: decimal.NewFromInt(50), MaxGroupSize: 4}
	o.ID = "O1"
	r := &market.TouristRequest{Budget: decimal.NewFromInt(80), PartySize: 2}
	r.ID = "R1"
	got := Snapshot([]*market.GuideOffer{o}, []*market.TouristRequest{r})
	require.Len(t, got, 2)
	assert.Equal(t, "O1", got[0].ID)
	assert.Equal(t, 4, got[0].Size)
	assert.Equal(t, "R1", got[1].ID)
	assert.True(t, got[1].Price.Equal(decimal.NewFromInt(80)))
}
