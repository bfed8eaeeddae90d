//go:build !linux

package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/hramov/floatkeeper/internal/errors"
)

type NetlinkCapability struct {
	Interface string
	Logger    *zap.Logger
}

func (c NetlinkCapability) Associate(context.Context, string, string) error {
	return errors.New(errors.KindExternalCapability, "netlink address provider requires linux")
}

func (c NetlinkCapability) Disassociate(context.Context, string) error {
	return errors.New(errors.KindExternalCapability, "netlink address provider requires linux")
}
