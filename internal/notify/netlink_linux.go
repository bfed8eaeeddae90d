//go:build linux

package notify

import (
	"context"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"

	"github.com/hramov/floatkeeper/internal/errors"
)

// NetlinkCapability holds the floating address on a local interface, for
// networks where owning the address is enough to receive its traffic.
type NetlinkCapability struct {
	Interface string
	Logger    *zap.Logger
}

func (c NetlinkCapability) Associate(_ context.Context, _ string, address string) error {
	link, addr, err := c.resolve(address)
	if err != nil {
		return err
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		if errors.Is(err, syscall.EEXIST) {
			return nil
		}
		return fmt.Errorf("add %s to %s: %w", addr.IPNet, c.Interface, err)
	}
	c.Logger.Info("address added", zap.String("interface", c.Interface), zap.Stringer("address", addr.IPNet))
	return nil
}

func (c NetlinkCapability) Disassociate(_ context.Context, address string) error {
	link, addr, err := c.resolve(address)
	if err != nil {
		return err
	}
	if err := netlink.AddrDel(link, addr); err != nil {
		if errors.Is(err, syscall.EADDRNOTAVAIL) || errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("remove %s from %s: %w", addr.IPNet, c.Interface, err)
	}
	c.Logger.Info("address removed", zap.String("interface", c.Interface), zap.Stringer("address", addr.IPNet))
	return nil
}

func (c NetlinkCapability) resolve(address string) (netlink.Link, *netlink.Addr, error) {
	link, err := netlink.LinkByName(c.Interface)
	if err != nil {
		return nil, nil, fmt.Errorf("interface %s not found: %w", c.Interface, err)
	}
	addr, err := parseAddr(address)
	if err != nil {
		return nil, nil, err
	}
	return link, addr, nil
}

// parseAddr accepts a bare IP, taken as a host route, or CIDR notation.
func parseAddr(address string) (*netlink.Addr, error) {
	if !strings.Contains(address, "/") {
		ip := net.ParseIP(address)
		if ip == nil {
			return nil, fmt.Errorf("invalid address %q", address)
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		address = fmt.Sprintf("%s/%d", address, bits)
	}
	ip, ipNet, err := net.ParseCIDR(address)
	if err != nil {
		return nil, err
	}
	ipNet.IP = ip
	return &netlink.Addr{IPNet: ipNet}, nil
}
