package ebpfmgr

import (
	"net"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/pkg/errors"

	"github.com/xlb-io/xlb/internal/balancing"
	"github.com/xlb-io/xlb/internal/flowdata"
)

// Map names the compiled object must export. CONFIG is a one-entry array
// holding the EbpfConfig; BACKENDS is a dense-prefix array of up to
// balancing.MaxBackends entries; FLOW_MAP is a hash keyed by the 64-bit
// flow hash computed by internal/flowtable.
const (
	configMapName   = "CONFIG"
	backendsMapName = "BACKENDS"
	flowMapName     = "FLOW_MAP"
	progName        = "xlb_xdp"
)

const configKey uint32 = 0

// Manager owns a loaded copy of the fast-path XDP program and its maps,
// and the links attaching it to interfaces. The program itself is built
// out of band and is not part of this repository; Manager's job here
// is everything cilium/ebpf does once bytes exist: load, attach, and push
// state down through the maps the program reads on every packet.
type Manager struct {
	coll     *ebpf.Collection
	prog     *ebpf.Program
	config   *ebpf.Map
	backends *ebpf.Map
	flows    *ebpf.Map

	links []link.Link
}

// Load parses a compiled eBPF object file and verifies it exposes the
// three maps and the program xlb expects.
func Load(objPath string) (*Manager, error) {
	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return nil, errors.Wrapf(err, "loading collection spec from %s", objPath)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, errors.Wrap(err, "creating collection")
	}

	m := &Manager{
		coll:     coll,
		prog:     coll.Programs[progName],
		config:   coll.Maps[configMapName],
		backends: coll.Maps[backendsMapName],
		flows:    coll.Maps[flowMapName],
	}

	switch {
	case m.prog == nil:
		coll.Close()
		return nil, errors.Errorf("object is missing program %q", progName)
	case m.config == nil:
		coll.Close()
		return nil, errors.Errorf("object is missing map %q", configMapName)
	case m.backends == nil:
		coll.Close()
		return nil, errors.Errorf("object is missing map %q", backendsMapName)
	case m.flows == nil:
		coll.Close()
		return nil, errors.Errorf("object is missing map %q", flowMapName)
	}

	return m, nil
}

// Attach XDP-attaches the loaded program to every interface in ifaces,
// trying native (driver) mode first and falling back to generic (SKB)
// mode per spec.md §4.9 step 6. Attachment failures on individual
// interfaces are collected and returned together; successfully attached
// links are kept regardless.
func Attach(m *Manager, ifaces []net.Interface) error {
	var errs []error
	for _, ifc := range ifaces {
		l, err := link.AttachXDP(link.XDPOptions{
			Program:   m.prog,
			Interface: ifc.Index,
			Flags:     link.XDPDriverMode,
		})
		if err != nil {
			l, err = link.AttachXDP(link.XDPOptions{
				Program:   m.prog,
				Interface: ifc.Index,
				Flags:     link.XDPGenericMode,
			})
		}
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "attaching to %s", ifc.Name))
			continue
		}
		m.links = append(m.links, l)
	}

	if len(errs) > 0 {
		return errors.Errorf("attach failed on %d interface(s): %v", len(errs), errs)
	}
	return nil
}

// Close detaches all links and unloads the program and its maps.
func (m *Manager) Close() error {
	for _, l := range m.links {
		l.Close()
	}
	return m.coll.Close()
}

// PutConfig publishes cfg to the single-entry CONFIG map. The fast path
// picks it up on the next packet it processes; there is no separate
// "reload" signal.
func (m *Manager) PutConfig(cfg flowdata.EbpfConfig) error {
	w := toWireConfig(cfg)
	if err := m.config.Put(configKey, w); err != nil {
		return errors.Wrap(err, "updating CONFIG map")
	}
	return nil
}

// SetShutdown flips only the Shutdown field of the published config,
// leaving everything else (the VIP, port mappings, mode) untouched - the
// drain sequence in spec.md §4.9 step 8 needs the RST fast path active
// without reconfiguring anything else.
func (m *Manager) SetShutdown(shutdown bool) error {
	var w wireConfig
	if err := m.config.Lookup(configKey, &w); err != nil {
		return errors.Wrap(err, "reading CONFIG map")
	}
	w.Shutdown = boolToU8(shutdown)
	if err := m.config.Put(configKey, w); err != nil {
		return errors.Wrap(err, "updating CONFIG map")
	}
	return nil
}

// PutBackends publishes the dense-prefix backend table. Trailing slots
// beyond len(backends) are explicitly zeroed so the table keeps its dense
// prefix shape (valid entries in [0,N), empty sentinels after) even when
// it shrinks.
func (m *Manager) PutBackends(backends []flowdata.Backend) error {
	if len(backends) > balancing.MaxBackends {
		return errors.Errorf("too many backends: %d > %d", len(backends), balancing.MaxBackends)
	}

	for i := 0; i < balancing.MaxBackends; i++ {
		var b flowdata.Backend
		if i < len(backends) {
			b = backends[i]
		}
		if err := m.backends.Put(uint32(i), toWireBackend(b)); err != nil {
			return errors.Wrapf(err, "updating BACKENDS[%d]", i)
		}
	}
	return nil
}

// Backends reads the current dense-prefix backend table back out,
// stopping at the first empty slot.
func (m *Manager) Backends() ([]flowdata.Backend, error) {
	var out []flowdata.Backend
	for i := uint32(0); i < balancing.MaxBackends; i++ {
		var w wireBackend
		if err := m.backends.Lookup(i, &w); err != nil {
			return nil, errors.Wrapf(err, "reading BACKENDS[%d]", i)
		}
		b := fromWireBackend(w)
		if b.Empty() {
			break
		}
		out = append(out, b)
	}
	return out, nil
}

// Flow looks up a single flow by its 64-bit hash key.
func (m *Manager) Flow(hash uint64) (flowdata.Flow, bool, error) {
	var w wireFlow
	if err := m.flows.Lookup(hash, &w); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return flowdata.Flow{}, false, nil
		}
		return flowdata.Flow{}, false, errors.Wrap(err, "reading FLOW_MAP")
	}
	return fromWireFlow(w), true, nil
}

// UpdateFlow writes a flow back (e.g. after the maintenance loop merges
// in delta byte/packet counters or marks it closing).
func (m *Manager) UpdateFlow(hash uint64, f flowdata.Flow) error {
	if err := m.flows.Put(hash, toWireFlow(f)); err != nil {
		return errors.Wrap(err, "updating FLOW_MAP")
	}
	return nil
}

// DeleteFlow removes a reaped flow from the kernel table.
func (m *Manager) DeleteFlow(hash uint64) error {
	if err := m.flows.Delete(hash); err != nil {
		return errors.Wrap(err, "deleting from FLOW_MAP")
	}
	return nil
}

// IterateFlows walks every entry currently in FLOW_MAP, calling visit for
// each. Used by the maintenance loop to aggregate counters and find
// flows past their TTL; iteration order is unspecified, matching the
// kernel hash map it mirrors.
func (m *Manager) IterateFlows(visit func(hash uint64, f flowdata.Flow) bool) error {
	var (
		hash uint64
		w    wireFlow
	)
	it := m.flows.Iterate()
	for it.Next(&hash, &w) {
		if !visit(hash, fromWireFlow(w)) {
			break
		}
	}
	return it.Err()
}
