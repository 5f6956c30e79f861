// Package iface resolves which network interface and IP this load
// balancer listens on, from either an explicit config or the host's
// default route.
package iface

import (
	"net"
	"net/netip"

	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"

	"github.com/xlb-io/xlb/internal/config"
)

// Listen is the resolved listen interface: the VIP clients dial and the
// link it is reachable through.
type Listen struct {
	IP    netip.Addr
	Iface string
	Index int
}

// Resolve determines the listen interface per spec.md §4.9 step 3: an
// explicit IP, an explicit iface+IP, or (listen == nil / "auto") the
// interface on the default route's link whose address's network prefix
// contains the default gateway.
func Resolve(listen *config.Listen) (Listen, error) {
	if listen != nil && listen.IP != "" {
		ip, err := netip.ParseAddr(listen.IP)
		if err != nil {
			return Listen{}, errors.Wrapf(err, "parsing listen.ip %q", listen.IP)
		}

		if listen.Iface != "" {
			link, err := netlink.LinkByName(listen.Iface)
			if err != nil {
				return Listen{}, errors.Wrapf(err, "resolving listen.iface %q", listen.Iface)
			}
			return Listen{IP: ip, Iface: listen.Iface, Index: link.Attrs().Index}, nil
		}

		return resolveByIP(ip)
	}

	return resolveAuto()
}

// resolveByIP finds which link currently carries ip.
func resolveByIP(ip netip.Addr) (Listen, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return Listen{}, errors.Wrap(err, "listing links")
	}

	for _, link := range links {
		addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if addrIsIP(a.IPNet, ip) {
				return Listen{IP: ip, Iface: link.Attrs().Name, Index: link.Attrs().Index}, nil
			}
		}
	}

	return Listen{}, errors.Errorf("no interface carries address %s", ip)
}

// resolveAuto finds the default route's gateway, then the interface on
// that route's link whose address's network prefix contains the gateway.
func resolveAuto() (Listen, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return Listen{}, errors.Wrap(err, "listing routes")
	}

	for _, r := range routes {
		if r.Dst != nil || r.Gw == nil {
			continue
		}

		link, err := netlink.LinkByIndex(r.LinkIndex)
		if err != nil {
			return Listen{}, errors.Wrapf(err, "resolving link %d for default route", r.LinkIndex)
		}

		addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			return Listen{}, errors.Wrapf(err, "listing addresses on %s", link.Attrs().Name)
		}

		for _, a := range addrs {
			if a.IPNet != nil && a.IPNet.Contains(r.Gw) {
				ip, ok := netip.AddrFromSlice(a.IPNet.IP.To4())
				if !ok {
					continue
				}
				return Listen{IP: ip, Iface: link.Attrs().Name, Index: link.Attrs().Index}, nil
			}
		}
	}

	return Listen{}, errors.New("no default route with a matching local address found")
}

func addrIsIP(n *net.IPNet, ip netip.Addr) bool {
	if n == nil {
		return false
	}
	a, ok := netip.AddrFromSlice(n.IP.To4())
	return ok && a == ip
}
