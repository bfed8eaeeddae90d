package notify

import (
	"context"
	"strconv"
	"time"

	"github.com/hramov/floatkeeper/internal/executor"
	"github.com/hramov/floatkeeper/internal/fsm"
)

// Hook observes transitions. Its failures are logged and never affect the
// election.
type Hook interface {
	Run(ctx context.Context, t fsm.Transition) error
}

type HookFunc func(ctx context.Context, t fsm.Transition) error

func (f HookFunc) Run(ctx context.Context, t fsm.Transition) error {
	return f(ctx, t)
}

// CommandHook runs a script as `script FROM TO TIMESTAMP`, keepalived notify
// style, with the same values in FLOATKEEPER_* variables.
type CommandHook struct {
	Command string
}

func (h CommandHook) Run(ctx context.Context, t fsm.Transition) error {
	ts := t.At.UTC().Format(time.RFC3339Nano)
	env := []string{
		"FLOATKEEPER_NODE_ID=" + t.NodeID,
		"FLOATKEEPER_FROM=" + t.From.String(),
		"FLOATKEEPER_TO=" + t.To.String(),
		"FLOATKEEPER_TIMESTAMP=" + ts,
		"FLOATKEEPER_UNIX_TIME=" + strconv.FormatInt(t.At.Unix(), 10),
	}
	_, err := executor.Execute(ctx, h.Command, env, t.From.String(), t.To.String(), ts)
	return err
}
