// Package responder advertises a host and its DNS-SD services over mDNS
// (RFC 6762, RFC 6763).
//
// A Responder owns one engine bound to one interface. New registers the
// host name with the interface addresses; Register then adds services.
// Each name is probed three times, 250 ms apart, before it is announced
// (RFC 6762 §8), so Register blocks for about a second. A name found in use
// is renamed with a numeric suffix ("My Printer-2") and probed again.
//
// Example:
//
//	resp, err := responder.New(ctx, responder.WithHostname("mydevice"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer resp.Close()
//
//	svc := &responder.Service{
//	    InstanceName: "My Web Server",
//	    ServiceType:  "_http._tcp",
//	    Port:         8080,
//	    TXTRecords:   map[string]string{"path": "/"},
//	}
//	if err := resp.Register(ctx, svc); err != nil {
//	    log.Fatal(err)
//	}
//
// Close withdraws everything with goodbye packets (TTL 0, RFC 6762 §10.1).
package responder

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/joshuafuller/beacon-mdns/internal/core"
	"github.com/joshuafuller/beacon-mdns/internal/errors"
	"github.com/joshuafuller/beacon-mdns/internal/logger"
	"github.com/joshuafuller/beacon-mdns/internal/metrics"
	"github.com/joshuafuller/beacon-mdns/internal/node"
)

// maxRenameAttempts bounds the rename loop of Register. RFC 6762 §9 sets no
// limit.
const maxRenameAttempts = 10

// goodbyeGrace is how long Close waits for the first goodbye to go out.
const goodbyeGrace = 100 * time.Millisecond

// Responder manages host and service registration on one interface.
type Responder struct {
	log        *slog.Logger
	opts       node.Options
	registerer prometheus.Registerer
	hostname   string
	addresses  []netip.Addr

	node   *node.Node
	nextID atomic.Uint32

	host     core.Host
	hostDone chan struct{}
	hostErr  error

	mu         sync.Mutex
	services   map[string]*Service
	onConflict func(name, serviceType string)
	closed     bool
}

// New starts a responder and begins probing its host name.
func New(ctx context.Context, opts ...Option) (*Responder, error) {
	r := &Responder{
		log:      logger.Logger("responder"),
		opts:     node.Options{IPv4: true, IPv6: true},
		services: make(map[string]*Service),
		hostDone: make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	if r.hostname == "" {
		r.hostname = systemHostname()
	}
	if r.registerer != nil {
		m, err := metrics.New(r.registerer)
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		r.opts.Core = append(r.opts.Core, core.WithMetrics(m))
	}

	n, err := node.Start(ctx, r.opts)
	if err != nil {
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}
	r.node = n
	n.Core.SetConflictCallback(r.handleConflict)

	if len(r.addresses) == 0 {
		r.addresses = n.Addresses()
	}
	r.host = core.Host{HostName: r.hostname, Addresses: r.addresses}
	var once sync.Once
	err = n.Core.RegisterHost(r.host, r.newID(), func(_ core.RequestID, err error) {
		once.Do(func() {
			r.hostErr = err
			close(r.hostDone)
		})
	})
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to register host: %w", err), n.Close())
	}
	r.log.Info("responder started", "hostname", r.hostname, "addresses", len(r.addresses))
	return r, nil
}

func systemHostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "localhost"
	}
	if i := strings.IndexByte(name, '.'); i > 0 {
		name = name[:i]
	}
	return name
}

func (r *Responder) newID() core.RequestID {
	return core.RequestID(r.nextID.Add(1))
}

// Hostname is the host name being published, without ".local".
func (r *Responder) Hostname() string { return r.hostname }

// WaitHost blocks until the host name is registered or found in use.
func (r *Responder) WaitHost(ctx context.Context) error {
	select {
	case <-r.hostDone:
		if r.hostErr != nil {
			return fmt.Errorf("host %q: %w", r.hostname, r.hostErr)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register probes and announces service, renaming it on conflict. It
// returns once the service is registered; service.InstanceName then holds
// the name actually used.
func (r *Responder) Register(ctx context.Context, service *Service) error {
	if service == nil {
		return &errors.ValidationError{Field: "service", Value: nil, Message: "must not be nil"}
	}
	if err := service.Validate(); err != nil {
		return err
	}
	if err := r.WaitHost(ctx); err != nil {
		return err
	}

	for attempt := 1; attempt <= maxRenameAttempts; attempt++ {
		cs, err := r.coreService(service)
		if err != nil {
			return err
		}
		err = r.registerOnce(ctx, cs)
		if err == nil {
			r.mu.Lock()
			r.services[service.ID()] = service.clone()
			r.mu.Unlock()
			r.log.Info("service registered", "service", service.ID())
			return nil
		}
		if !stderrors.Is(err, errors.ErrDuplicated) {
			return err
		}
		_ = r.node.Core.UnregisterService(cs)
		if attempt == maxRenameAttempts {
			break
		}
		r.log.Warn("service name in use, renaming", "service", service.ID())
		service.Rename()
	}
	return fmt.Errorf("max rename attempts (%d) exceeded for service %q: %w", maxRenameAttempts, service.InstanceName, errors.ErrDuplicated)
}

func (r *Responder) registerOnce(ctx context.Context, cs core.Service) error {
	done := make(chan error, 1)
	err := r.node.Core.RegisterService(cs, r.newID(), func(_ core.RequestID, err error) {
		select {
		case done <- err:
		default:
		}
	})
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = r.node.Core.UnregisterService(cs)
		return ctx.Err()
	}
}

func (r *Responder) coreService(s *Service) (core.Service, error) {
	txt, err := EncodeTXT(s.TXTRecords)
	if err != nil {
		return core.Service{}, err
	}
	return core.Service{
		HostName:        r.hostname,
		ServiceInstance: s.InstanceName,
		ServiceType:     s.serviceType(),
		SubTypeLabels:   s.SubTypes,
		TXTData:         txt,
		Port:            s.Port,
		Priority:        s.Priority,
		Weight:          s.Weight,
	}, nil
}

// Unregister withdraws a service by ID with goodbye packets.
func (r *Responder) Unregister(serviceID string) error {
	r.mu.Lock()
	s, ok := r.services[serviceID]
	delete(r.services, serviceID)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("service %q: %w", serviceID, errors.ErrNotFound)
	}
	cs, err := r.coreService(s)
	if err != nil {
		return err
	}
	return r.node.Core.UnregisterService(cs)
}

// GetService returns a copy of a registered service.
func (r *Responder) GetService(serviceID string) (*Service, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.services[serviceID]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// Services lists the registered services.
func (r *Responder) Services() []*Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Service, 0, len(r.services))
	for _, s := range r.services {
		out = append(out, s.clone())
	}
	return out
}

// UpdateService replaces the TXT records of a registered service. The new
// data is announced without probing again (RFC 6762 §8.4).
func (r *Responder) UpdateService(serviceID string, txtRecords map[string]string) error {
	if _, err := EncodeTXT(txtRecords); err != nil {
		return err
	}
	r.mu.Lock()
	s, ok := r.services[serviceID]
	if ok {
		s.TXTRecords = txtRecords
		s = s.clone()
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("service %q: %w", serviceID, errors.ErrNotFound)
	}
	cs, err := r.coreService(s)
	if err != nil {
		return err
	}
	return r.node.Core.RegisterService(cs, r.newID(), func(_ core.RequestID, err error) {
		if err != nil {
			r.log.Warn("service update failed", "service", serviceID, "err", err)
		}
	})
}

// OnConflict sets a function called when another responder claims one of
// our names after it was registered.
func (r *Responder) OnConflict(fn func(name, serviceType string)) {
	r.mu.Lock()
	r.onConflict = fn
	r.mu.Unlock()
}

func (r *Responder) handleConflict(name, serviceType string) {
	r.log.Warn("name conflict after registration", "name", name, "service_type", serviceType)
	r.mu.Lock()
	fn := r.onConflict
	r.mu.Unlock()
	if fn != nil {
		fn(name, serviceType)
	}
}

// Close sends goodbyes for every registration and stops the engine.
func (r *Responder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return r.node.Close()
	}
	r.closed = true
	services := make([]*Service, 0, len(r.services))
	for id, s := range r.services {
		services = append(services, s)
		delete(r.services, id)
	}
	r.mu.Unlock()

	var err error
	for _, s := range services {
		cs, cerr := r.coreService(s)
		if cerr == nil {
			cerr = r.node.Core.UnregisterService(cs)
		}
		err = multierr.Append(err, cerr)
	}
	err = multierr.Append(err, r.node.Core.UnregisterHost(r.host))
	time.Sleep(goodbyeGrace)
	return multierr.Append(err, r.node.Close())
}
