// Package kubernetes discovers backends by watching a Service's
// EndpointSlices. The host set it reports is the union of ready pod IPs
// across every EndpointSlice owned by the configured Service.
package kubernetes

import (
	"context"
	"sync"
	"time"

	discoveryv1 "k8s.io/api/discovery/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/xlb-io/xlb/internal/provider"
)

// resyncPeriod bounds how stale the informer's local cache can get
// relative to the apiserver if a watch event is ever missed.
const resyncPeriod = 10 * time.Minute

// serviceNameLabel is the well-known label EndpointSlices carry pointing
// back at the Service that owns them.
const serviceNameLabel = "kubernetes.io/service-name"

// Provider implements provider.Provider by watching discoveryv1.EndpointSlice
// objects for one namespace/service pair.
type Provider struct {
	namespace string
	service   string

	factory  informers.SharedInformerFactory
	informer cache.SharedIndexInformer

	mu    sync.RWMutex
	hosts []provider.Host
}

// New builds a Provider from an in-cluster or kubeconfig-derived client.
// The caller is responsible for constructing clientset (see internal/lifecycle),
// keeping this package testable without a live cluster.
func New(clientset kubernetes.Interface, namespace, service string) *Provider {
	factory := informers.NewSharedInformerFactoryWithOptions(
		clientset, resyncPeriod,
		informers.WithNamespace(namespace),
		informers.WithTweakListOptions(func(opts *metav1.ListOptions) {
			opts.LabelSelector = serviceNameLabel + "=" + service
		}),
	)

	p := &Provider{
		namespace: namespace,
		service:   service,
		factory:   factory,
		informer:  factory.Discovery().V1().EndpointSlices().Informer(),
	}

	p.informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    func(interface{}) { p.rebuild() },
		UpdateFunc: func(interface{}, interface{}) { p.rebuild() },
		DeleteFunc: func(interface{}) { p.rebuild() },
	})

	return p
}

// Start launches the informer and blocks until its cache has an initial
// sync, so the first Backends() call after Start returns is accurate.
func (p *Provider) Start(ctx context.Context) error {
	p.factory.Start(ctx.Done())
	if !cache.WaitForCacheSync(ctx.Done(), p.informer.HasSynced) {
		return errors.Errorf("timed out waiting for endpointslice cache sync (namespace=%s service=%s)", p.namespace, p.service)
	}
	p.rebuild()
	return nil
}

// Backends returns the current ready pod IP set.
func (p *Provider) Backends() []provider.Host {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]provider.Host, len(p.hosts))
	copy(out, p.hosts)
	return out
}

// Shutdown does not itself stop the informer: client-go's shared informer
// factories have no per-factory stop beyond the context passed to Start,
// so this is a no-op kept for symmetry with provider.Provider's interface
// contract.
func (p *Provider) Shutdown(ctx context.Context) error { return nil }

func (p *Provider) rebuild() {
	objs := p.informer.GetStore().List()

	var hosts []provider.Host
	for _, o := range objs {
		slice, ok := o.(*discoveryv1.EndpointSlice)
		if !ok {
			continue
		}
		for _, ep := range slice.Endpoints {
			if ep.Conditions.Ready != nil && !*ep.Conditions.Ready {
				continue
			}
			for _, addr := range ep.Addresses {
				host, err := parseHost(addr)
				if err != nil {
					logrus.WithError(err).WithField("address", addr).Warn("skipping unparseable endpoint address")
					continue
				}
				hosts = append(hosts, host)
			}
		}
	}

	p.mu.Lock()
	p.hosts = hosts
	p.mu.Unlock()
}
