package kubernetes

import (
	"net/netip"

	"github.com/pkg/errors"

	"github.com/xlb-io/xlb/internal/provider"
)

func parseHost(addr string) (provider.Host, error) {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return provider.Host{}, errors.Wrapf(err, "parsing endpoint address %q", addr)
	}
	return provider.Host{IP: ip}, nil
}
