package deploy

import "context"

// Trigger names the surface that asked for a lifecycle operation.
type Trigger string

const (
	TriggerAPI     Trigger = "api"
	TriggerWebhook Trigger = "webhook"
	TriggerChat    Trigger = "chat"
	TriggerCLI     Trigger = "cli"
	TriggerMCP     Trigger = "mcp"
	TriggerSystem  Trigger = "system"
)

type triggerKey struct{}

// WithTrigger attributes operations run with ctx to t.
func WithTrigger(ctx context.Context, t Trigger) context.Context {
	return context.WithValue(ctx, triggerKey{}, t)
}

// TriggerFrom returns the trigger stored in ctx, or TriggerSystem.
func TriggerFrom(ctx context.Context) Trigger {
	if t, ok := ctx.Value(triggerKey{}).(Trigger); ok && t != "" {
		return t
	}
	return TriggerSystem
}
