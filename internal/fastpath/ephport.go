package fastpath

import (
	"math/rand"
	"net/netip"

	"github.com/xlb-io/xlb/internal/flowtable"
	"github.com/xlb-io/xlb/internal/xlberr"
)

// ephemeralPortLow and ephemeralPortHigh bound the 50,000-wide range this
// load balancer assigns outgoing backend connections from.
const (
	ephemeralPortLow  = 5000
	ephemeralPortHigh = 54999

	ephemeralPortAttempts = 5
)

// findEphemeralPort picks a source port for a new backend connection by
// pick-and-test: a random port in [5000, 54999], rejected if the
// (backend_ip, port) key is already in use, up to five attempts. This is
// deliberately not a reservation table - it keeps the fast path
// allocation-free, at the cost of an essentially-zero collision chance
// the caller must handle by failing the SYN.
func findEphemeralPort(backendIP netip.Addr, flows flowtable.Table) (uint16, error) {
	for i := 0; i < ephemeralPortAttempts; i++ {
		port := uint16(ephemeralPortLow + rand.Intn(ephemeralPortHigh-ephemeralPortLow+1))

		key := flowtable.ClientKey(backendIP, port)
		hash := flowtable.Hash64(key)
		if _, ok := flows.Lookup(hash); !ok {
			return port, nil
		}
	}

	return 0, xlberr.ErrNoEphemeralPorts
}
