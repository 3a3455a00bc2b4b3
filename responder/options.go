package responder

import (
	"log/slog"
	"net/netip"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/joshuafuller/beacon-mdns/internal/core"
	"github.com/joshuafuller/beacon-mdns/internal/errors"
	"github.com/joshuafuller/beacon-mdns/internal/transport"
)

// Option is a functional option for configuring a Responder.
//
// Options are applied in New before any socket is opened.
//
// Example:
//
//	resp, err := responder.New(ctx,
//	    responder.WithHostname("mydevice"),
//	    responder.WithInterface("eth0"),
//	)
type Option func(*Responder) error

// WithHostname sets the host name published in A/AAAA records. A trailing
// ".local" is accepted and stripped. Without this option the system host
// name (os.Hostname) is used.
func WithHostname(hostname string) Option {
	return func(r *Responder) error {
		name := strings.TrimSuffix(strings.TrimSuffix(hostname, "."), ".local")
		if name == "" {
			return &errors.ValidationError{Field: "hostname", Value: hostname, Message: "must not be empty"}
		}
		r.hostname = name
		return nil
	}
}

// WithInterface selects the network interface by name (e.g. "eth0").
func WithInterface(name string) Option {
	return func(r *Responder) error {
		r.opts.InterfaceName = name
		return nil
	}
}

// WithInterfaceIndex selects the network interface by index.
func WithInterfaceIndex(index uint32) Option {
	return func(r *Responder) error {
		r.opts.InterfaceIndex = index
		return nil
	}
}

// WithIPv4 enables or disables the IPv4 socket (default enabled).
func WithIPv4(enable bool) Option {
	return func(r *Responder) error {
		r.opts.IPv4 = enable
		return nil
	}
}

// WithIPv6 enables or disables the IPv6 socket (default enabled).
func WithIPv6(enable bool) Option {
	return func(r *Responder) error {
		r.opts.IPv6 = enable
		return nil
	}
}

// WithAddresses replaces the addresses published for the host, which
// default to the unicast addresses of the interface.
func WithAddresses(addrs ...netip.Addr) Option {
	return func(r *Responder) error {
		for _, a := range addrs {
			if !a.IsValid() {
				return &errors.ValidationError{Field: "addresses", Value: a, Message: "invalid address"}
			}
		}
		r.addresses = addrs
		return nil
	}
}

// WithLogger replaces the subsystem loggers.
func WithLogger(l *slog.Logger) Option {
	return func(r *Responder) error {
		if l == nil {
			return &errors.ValidationError{Field: "logger", Value: nil, Message: "must not be nil"}
		}
		r.log = l
		r.opts.Logger = l
		return nil
	}
}

// WithRegisterer exports engine metrics to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Responder) error {
		r.registerer = reg
		return nil
	}
}

// WithMaxMessageSize sets the size at which outgoing messages are split.
func WithMaxMessageSize(n int) Option {
	return func(r *Responder) error {
		r.opts.Core = append(r.opts.Core, core.WithMaxMessageSize(n))
		return nil
	}
}

// WithTransports runs the responder over the given transports instead of
// UDP sockets, typically members of a transport.MemoryNetwork.
func WithTransports(ts ...transport.Transport) Option {
	return func(r *Responder) error {
		r.opts.Transports = ts
		return nil
	}
}
