package querier

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/joshuafuller/beacon-mdns/internal/core"
	"github.com/joshuafuller/beacon-mdns/internal/errors"
	"github.com/joshuafuller/beacon-mdns/internal/logger"
	"github.com/joshuafuller/beacon-mdns/internal/metrics"
	"github.com/joshuafuller/beacon-mdns/internal/node"
)

// Querier browses and resolves on one interface.
type Querier struct {
	log        *slog.Logger
	opts       node.Options
	registerer prometheus.Registerer
	node       *node.Node
}

// New starts a querier.
func New(ctx context.Context, opts ...Option) (*Querier, error) {
	q := &Querier{
		log:  logger.Logger("querier"),
		opts: node.Options{IPv4: true, IPv6: true},
	}
	for _, opt := range opts {
		if err := opt(q); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	if q.registerer != nil {
		m, err := metrics.New(q.registerer)
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		q.opts.Core = append(q.opts.Core, core.WithMetrics(m))
	}
	n, err := node.Start(ctx, q.opts)
	if err != nil {
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}
	q.node = n
	return q, nil
}

func trimLocal(name string) string {
	return strings.TrimSuffix(strings.TrimSuffix(name, "."), ".local")
}

// Browse reports instances of serviceType until stop is called. fn runs on
// an engine goroutine and must not block.
func (q *Querier) Browse(serviceType string, fn func(BrowseEvent)) (stop func() error, err error) {
	return q.BrowseSubType(serviceType, "", fn)
}

// BrowseSubType is Browse restricted to "<subType>._sub.<serviceType>".
func (q *Querier) BrowseSubType(serviceType, subType string, fn func(BrowseEvent)) (stop func() error, err error) {
	if fn == nil {
		return nil, &errors.ValidationError{Field: "fn", Value: nil, Message: "must not be nil"}
	}
	b := &core.Browser{
		ServiceType:  trimLocal(serviceType),
		SubTypeLabel: subType,
		Callback: func(r core.BrowseResult) {
			fn(BrowseEvent{
				Instance:    r.ServiceInstance,
				ServiceType: r.ServiceType,
				SubType:     r.SubTypeLabel,
				TTL:         time.Duration(r.TTL) * time.Second,
				Removed:     r.TTL == 0,
			})
		},
	}
	if err := q.node.Core.StartBrowser(b); err != nil {
		return nil, err
	}
	q.log.Debug("browse started", "service_type", b.ServiceType, "sub_type", subType)
	return func() error { return q.node.Core.StopBrowser(b) }, nil
}

// latest holds the most recent value delivered by a resolver callback.
type latest[T any] struct {
	mu     sync.Mutex
	value  T
	ok     bool
	notify chan struct{}
}

func newLatest[T any]() *latest[T] {
	return &latest[T]{notify: make(chan struct{}, 1)}
}

func (l *latest[T]) set(v T, ok bool) {
	l.mu.Lock()
	l.value, l.ok = v, ok
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *latest[T]) get() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value, l.ok
}

// ResolveService waits for the SRV and TXT records of an instance, then for
// the addresses of its host.
func (q *Querier) ResolveService(ctx context.Context, instance, serviceType string) (*ServiceInstance, error) {
	serviceType = trimLocal(serviceType)
	srv := newLatest[core.SrvResult]()
	txt := newLatest[core.TxtResult]()

	sr := &core.SrvResolver{
		ServiceInstance: instance,
		ServiceType:     serviceType,
		Callback:        func(r core.SrvResult) { srv.set(r, r.TTL > 0) },
	}
	tr := &core.TxtResolver{
		ServiceInstance: instance,
		ServiceType:     serviceType,
		Callback:        func(r core.TxtResult) { txt.set(r, r.TTL > 0) },
	}
	c := q.node.Core
	if err := c.StartSrvResolver(sr); err != nil {
		return nil, err
	}
	defer func() { _ = c.StopSrvResolver(sr) }()
	if err := c.StartTxtResolver(tr); err != nil {
		return nil, err
	}
	defer func() { _ = c.StopTxtResolver(tr) }()

	for {
		s, sok := srv.get()
		t, tok := txt.get()
		if sok && tok {
			addrs, err := q.LookupHost(ctx, s.HostName)
			if err != nil {
				return nil, err
			}
			return &ServiceInstance{
				Instance:    instance,
				ServiceType: serviceType,
				HostName:    s.HostName,
				Port:        s.Port,
				Priority:    s.Priority,
				Weight:      s.Weight,
				Text:        DecodeTXT(t.TXTData),
				Addresses:   addrs,
			}, nil
		}
		select {
		case <-srv.notify:
		case <-txt.notify:
		case <-ctx.Done():
			return nil, fmt.Errorf("resolve %q: %w", instance+"."+serviceType, ctx.Err())
		}
	}
}

// LookupHost returns the IPv6 and IPv4 addresses of host, waiting until at
// least one is known.
func (q *Querier) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	host = trimLocal(host)
	v6 := newLatest[[]core.AddressAndTTL]()
	v4 := newLatest[[]core.AddressAndTTL]()

	r6 := &core.AddressResolver{HostName: host, Callback: func(r core.AddressResult) { v6.set(r.Addresses, len(r.Addresses) > 0) }}
	r4 := &core.AddressResolver{HostName: host, Callback: func(r core.AddressResult) { v4.set(r.Addresses, len(r.Addresses) > 0) }}
	c := q.node.Core
	if err := c.StartIp6AddressResolver(r6); err != nil {
		return nil, err
	}
	defer func() { _ = c.StopIp6AddressResolver(r6) }()
	if err := c.StartIp4AddressResolver(r4); err != nil {
		return nil, err
	}
	defer func() { _ = c.StopIp4AddressResolver(r4) }()

	for {
		a6, ok6 := v6.get()
		a4, ok4 := v4.get()
		if ok6 || ok4 {
			out := make([]netip.Addr, 0, len(a6)+len(a4))
			for _, a := range slices.Concat(a6, a4) {
				out = append(out, a.Address)
			}
			return out, nil
		}
		select {
		case <-v6.notify:
		case <-v4.notify:
		case <-ctx.Done():
			return nil, fmt.Errorf("lookup %q: %w", host, ctx.Err())
		}
	}
}

// Close stops the engine and closes the sockets.
func (q *Querier) Close() error {
	return q.node.Close()
}
