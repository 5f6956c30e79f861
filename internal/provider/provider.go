// Package provider defines the backend discovery plug point: where the
// set of candidate backend hosts comes from. The maintenance loop only
// ever calls Backends(); how a Provider keeps that list current - a
// static config list or a live Kubernetes watch - is its own business.
package provider

import (
	"context"
	"net/netip"
)

// Host is one candidate backend, as reported by a Provider. It carries
// only an address; route/interface/MAC information is resolved
// separately by internal/route once per maintenance tick.
type Host struct {
	IP netip.Addr
}

// Provider supplies and maintains the live backend set.
type Provider interface {
	// Start begins whatever background work (a watch, a poll) the
	// provider needs to keep Backends current. It must return once
	// the initial backend set is ready to be read.
	Start(ctx context.Context) error

	// Backends returns the current backend set. Safe for concurrent
	// use with Start's background work.
	Backends() []Host

	// Shutdown stops background work and releases resources.
	Shutdown(ctx context.Context) error
}
