// Package lifecycle wires every other package together into the startup
// and graceful-shutdown sequence from spec.md §4.9.
package lifecycle

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	k8sclient "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/xlb-io/xlb/internal/config"
	"github.com/xlb-io/xlb/internal/ebpfmgr"
	"github.com/xlb-io/xlb/internal/flowdata"
	"github.com/xlb-io/xlb/internal/flowtable"
	"github.com/xlb-io/xlb/internal/iface"
	"github.com/xlb-io/xlb/internal/maintenance"
	"github.com/xlb-io/xlb/internal/metricsexport"
	"github.com/xlb-io/xlb/internal/provider"
	"github.com/xlb-io/xlb/internal/provider/kubernetes"
	"github.com/xlb-io/xlb/internal/provider/static"
	"github.com/xlb-io/xlb/internal/route"
	"github.com/xlb-io/xlb/internal/system"
)

// BPFObjectPath is where the compiled fast-path object is expected to
// live; a real deployment builds it out of band (see SPEC_FULL.md) and
// installs it here alongside the binary.
const BPFObjectPath = "/usr/lib/xlb/xlb.bpf.o"

// MetricsAddr is where the Prometheus /metrics endpoint listens.
const MetricsAddr = ":9090"

// Runner holds everything the process needs torn down on shutdown.
type Runner struct {
	cfg *config.Config
	log *logrus.Entry

	ebpf     *ebpfmgr.Manager
	provider provider.Provider
	metrics  *metricsexport.Sink
	loop     *maintenance.Loop

	metricsServer *http.Server
	maintCancel   context.CancelFunc
	maintDone     chan struct{}
}

// Start performs spec.md §4.9's startup sequence: verify forwarding,
// load config, resolve the listen interface, start metrics, start the
// provider, load/attach the fast path, publish the initial config, and
// start the maintenance loop.
func Start(ctx context.Context, configPath string) (*Runner, error) {
	log := logrus.NewEntry(logrus.StandardLogger())

	if err := system.CheckIPv4Forwarding(); err != nil {
		return nil, errors.Wrap(err, "ipv4 forwarding check")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "loading config")
	}
	log = log.WithField("name", cfg.Name)

	listen, err := iface.Resolve(cfg.Listen)
	if err != nil {
		return nil, errors.Wrap(err, "resolving listen interface")
	}
	log.WithField("iface", listen.Iface).WithField("ip", listen.IP).Info("resolved listen interface")

	metrics := metricsexport.New()
	metricsServer := &http.Server{Addr: MetricsAddr, Handler: metrics.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server stopped unexpectedly")
		}
	}()

	backendProvider, err := newProvider(cfg.Provider)
	if err != nil {
		return nil, errors.Wrap(err, "constructing backend provider")
	}
	if err := backendProvider.Start(ctx); err != nil {
		return nil, errors.Wrap(err, "starting backend provider")
	}

	mgr, err := ebpfmgr.Load(BPFObjectPath)
	if err != nil {
		return nil, errors.Wrap(err, "loading fast-path program")
	}

	ifaces, err := dataplaneInterfaces()
	if err != nil {
		_ = mgr.Close()
		return nil, errors.Wrap(err, "listing dataplane interfaces")
	}
	if err := ebpfmgr.Attach(mgr, ifaces); err != nil {
		_ = mgr.Close()
		return nil, errors.Wrap(err, "attaching fast-path program")
	}

	ebpfCfg := flowdata.EbpfConfig{
		Mode:     flowdata.RoutingModeNat,
		Strategy: flowdata.StrategyRoundRobin,
		IPAddr:   listen.IP,
		IPVer:    flowdata.IPv4,
		Proto:    flowdata.ProtoTCP,
	}
	for i, p := range cfg.Ports {
		ebpfCfg.PortMappings[i] = flowdata.PortMapping{LocalPort: p.LocalPort, RemotePort: p.RemotePort}
	}
	if err := mgr.PutConfig(ebpfCfg); err != nil {
		_ = mgr.Close()
		return nil, errors.Wrap(err, "publishing initial config")
	}

	loop := &maintenance.Loop{
		Flows:     flowtable.NewMemTable(),
		Backends:  mgr,
		Provider:  backendProvider,
		Resolve:   route.Resolve,
		Metrics:   metrics,
		Interval:  maintenance.DefaultInterval,
		OrphanTTL: time.Duration(cfg.OrphanTTLSecs) * time.Second,
		Log:       log,
	}

	maintCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.Run(maintCtx)
	}()

	return &Runner{
		cfg:           cfg,
		log:           log,
		ebpf:          mgr,
		provider:      backendProvider,
		metrics:       metrics,
		loop:          loop,
		metricsServer: metricsServer,
		maintCancel:   cancel,
		maintDone:     done,
	}, nil
}

// Shutdown performs spec.md §4.9's drain sequence: stop the maintenance
// loop and provider, flip the shutdown flag so the fast path starts
// converting intercepted packets to RSTs, wait out the drain window, and
// release resources.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.maintCancel()
	<-r.maintDone

	if err := r.provider.Shutdown(ctx); err != nil {
		r.log.WithError(err).Warn("provider shutdown reported an error")
	}

	if err := r.ebpf.SetShutdown(true); err != nil {
		r.log.WithError(err).Error("failed to set shutdown flag; in-flight connections will not drain cleanly")
	}

	drain := time.Duration(r.cfg.ShutdownTimeout) * time.Second
	r.log.WithField("drain", drain).Info("draining in-flight connections")
	select {
	case <-ctx.Done():
	case <-time.After(drain):
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = r.metricsServer.Shutdown(shutdownCtx)

	return r.ebpf.Close()
}

func newProvider(p config.Provider) (provider.Provider, error) {
	if p.Static != nil {
		return static.New(p.Static.Backends)
	}

	restCfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := clientcmd.NewDefaultClientConfigLoadingRules().GetDefaultFilename()
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, errors.Wrap(err, "loading kubernetes client config")
		}
	}

	clientset, err := k8sclient.NewForConfig(restCfg)
	if err != nil {
		return nil, errors.Wrap(err, "building kubernetes clientset")
	}

	return kubernetes.New(clientset, p.Kubernetes.Namespace, p.Kubernetes.Service), nil
}

// dataplaneInterfaces lists every non-loopback, non-bridge interface per
// spec.md §4.9 step 6.
func dataplaneInterfaces() ([]net.Interface, error) {
	all, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var out []net.Interface
	for _, ifc := range all {
		if ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		if isBridgeName(ifc.Name) {
			continue
		}
		out = append(out, ifc)
	}
	return out, nil
}

// isBridgeName recognizes the conventional bridge interface name prefixes
// ("br-", "docker", "virbr", "cni") without needing to read sysfs, since a
// false negative here only means one extra (harmless) attach attempt.
func isBridgeName(name string) bool {
	prefixes := []string{"br-", "docker", "virbr", "cni"}
	for _, p := range prefixes {
		if len(name) >= len(p) && name[:len(p)] == p {
			return true
		}
	}
	return false
}
