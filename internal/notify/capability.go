package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hramov/floatkeeper/internal/executor"
)

// Capability moves the floating address. Both calls must be idempotent:
// associating the current owner again, or releasing an address that is not
// held, succeeds without side effects.
type Capability interface {
	Associate(ctx context.Context, nodeID, address string) error
	Disassociate(ctx context.Context, address string) error
}

// CommandCapability runs operator scripts, typically a cloud CLI call. The
// node id and address are passed as FLOATKEEPER_NODE_ID and
// FLOATKEEPER_ADDRESS.
type CommandCapability struct {
	AssociateCommand    string
	DisassociateCommand string
	// Timeout bounds a single call. Zero leaves only the caller's deadline.
	Timeout time.Duration
}

func (c CommandCapability) Associate(ctx context.Context, nodeID, address string) error {
	return c.run(ctx, c.AssociateCommand, nodeID, address)
}

func (c CommandCapability) Disassociate(ctx context.Context, address string) error {
	if c.DisassociateCommand == "" {
		return nil
	}
	return c.run(ctx, c.DisassociateCommand, "", address)
}

func (c CommandCapability) run(ctx context.Context, command, nodeID, address string) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	env := []string{"FLOATKEEPER_ADDRESS=" + address}
	if nodeID != "" {
		env = append(env, "FLOATKEEPER_NODE_ID="+nodeID)
	}
	_, err := executor.Execute(ctx, command, env)
	return err
}

// NoopCapability only logs. It is used when the address is moved by hooks or
// by an external controller watching the node state.
type NoopCapability struct {
	Logger *zap.Logger
}

func (c NoopCapability) Associate(_ context.Context, nodeID, address string) error {
	c.Logger.Info("associate", zap.String("node_id", nodeID), zap.String("address", address))
	return nil
}

func (c NoopCapability) Disassociate(_ context.Context, address string) error {
	c.Logger.Info("disassociate", zap.String("address", address))
	return nil
}
