package health

import (
	"context"

	"github.com/hramov/floatkeeper/internal/executor"
)

// Checker evaluates the protected service. A nil error means healthy; detail is
// free-form text for logs and events.
type Checker interface {
	Check(ctx context.Context) (detail string, err error)
}

type CheckerFunc func(ctx context.Context) (string, error)

func (f CheckerFunc) Check(ctx context.Context) (string, error) {
	return f(ctx)
}

// AlwaysHealthy is used when no check is configured.
var AlwaysHealthy Checker = CheckerFunc(func(context.Context) (string, error) {
	return "no health check configured", nil
})

// CommandChecker runs a shell command; exit status 0 is healthy.
type CommandChecker struct {
	Command string
}

func (c CommandChecker) Check(ctx context.Context) (string, error) {
	return executor.Execute(ctx, c.Command, nil)
}
