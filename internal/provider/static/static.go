// Package static is the fixed-list backend provider: the host set is
// exactly what's in config, parsed once at Start and never changed.
package static

import (
	"context"
	"net/netip"

	"github.com/pkg/errors"

	"github.com/xlb-io/xlb/internal/provider"
)

// Provider implements provider.Provider over a fixed list of addresses.
type Provider struct {
	hosts []provider.Host
}

// New parses addrs (dotted-quad strings from config.StaticProvider) into
// a Provider. Parsing happens eagerly so config errors surface at
// startup rather than on the first maintenance tick.
func New(addrs []string) (*Provider, error) {
	hosts := make([]provider.Host, 0, len(addrs))
	for _, a := range addrs {
		ip, err := netip.ParseAddr(a)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing static backend %q", a)
		}
		hosts = append(hosts, provider.Host{IP: ip})
	}
	return &Provider{hosts: hosts}, nil
}

// Start is a no-op; the list is already fixed.
func (p *Provider) Start(ctx context.Context) error { return nil }

// Backends returns the configured host list.
func (p *Provider) Backends() []provider.Host { return p.hosts }

// Shutdown is a no-op.
func (p *Provider) Shutdown(ctx context.Context) error { return nil }
