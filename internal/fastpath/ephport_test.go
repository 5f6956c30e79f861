package fastpath

import (
	"net/netip"
	"testing"

	"github.com/xlb-io/xlb/internal/flowdata"
	"github.com/xlb-io/xlb/internal/flowtable"
	"github.com/xlb-io/xlb/internal/xlberr"
)

func TestFindEphemeralPortInRange(t *testing.T) {
	flows := flowtable.NewMemTable()
	backendIP := netip.MustParseAddr("172.16.0.5")

	for i := 0; i < 100; i++ {
		port, err := findEphemeralPort(backendIP, flows)
		if err != nil {
			t.Fatalf("findEphemeralPort: %v", err)
		}
		if port < ephemeralPortLow || port > ephemeralPortHigh {
			t.Fatalf("port %d out of range [%d, %d]", port, ephemeralPortLow, ephemeralPortHigh)
		}
	}
}

func TestFindEphemeralPortExhaustion(t *testing.T) {
	flows := flowtable.NewMemTable()
	backendIP := netip.MustParseAddr("172.16.0.5")

	// Occupy the entire range so every pick-and-test attempt collides.
	for p := ephemeralPortLow; p <= ephemeralPortHigh; p++ {
		key := flowtable.ClientKey(backendIP, uint16(p))
		if err := flows.Insert(flowtable.Hash64(key), key, flowdata.Flow{}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	if _, err := findEphemeralPort(backendIP, flows); err != xlberr.ErrNoEphemeralPorts {
		t.Fatalf("expected ErrNoEphemeralPorts, got %v", err)
	}
}
