package querier

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/joshuafuller/beacon-mdns/internal/errors"
	"github.com/joshuafuller/beacon-mdns/internal/transport"
)

// Option is a functional option for configuring a Querier.
type Option func(*Querier) error

// WithInterface selects the network interface by name.
func WithInterface(name string) Option {
	return func(q *Querier) error {
		q.opts.InterfaceName = name
		return nil
	}
}

// WithInterfaceIndex selects the network interface by index.
func WithInterfaceIndex(index uint32) Option {
	return func(q *Querier) error {
		q.opts.InterfaceIndex = index
		return nil
	}
}

// WithIPv4 enables or disables the IPv4 socket (default enabled).
func WithIPv4(enable bool) Option {
	return func(q *Querier) error {
		q.opts.IPv4 = enable
		return nil
	}
}

// WithIPv6 enables or disables the IPv6 socket (default enabled).
func WithIPv6(enable bool) Option {
	return func(q *Querier) error {
		q.opts.IPv6 = enable
		return nil
	}
}

// WithLogger replaces the subsystem loggers.
func WithLogger(l *slog.Logger) Option {
	return func(q *Querier) error {
		if l == nil {
			return &errors.ValidationError{Field: "logger", Value: nil, Message: "must not be nil"}
		}
		q.log = l
		q.opts.Logger = l
		return nil
	}
}

// WithRegisterer exports engine metrics to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(q *Querier) error {
		q.registerer = reg
		return nil
	}
}

// WithTransports runs the querier over the given transports instead of
// UDP sockets.
func WithTransports(ts ...transport.Transport) Option {
	return func(q *Querier) error {
		q.opts.Transports = ts
		return nil
	}
}
