package api

import "context"

type contextKey int

const ctxKeyAgent contextKey = 0

// ContextWithAgent returns a context carrying the authenticated agent id.
func ContextWithAgent(ctx context.Context, agent string) context.Context {
	return context.WithValue(ctx, ctxKeyAgent, agent)
}

// AgentFrom returns the agent id stored by ContextWithAgent, or "".
func AgentFrom(ctx context.Context) string {
	agent, _ := ctx.Value(ctxKeyAgent).(string)
	return agent
}
