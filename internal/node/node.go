// Package node runs one engine on one interface: it opens the sockets,
// builds the Link, enables the Core, and drives both loops until Close.
// The responder and querier packages are thin layers over a Node.
package node

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/joshuafuller/beacon-mdns/internal/core"
	"github.com/joshuafuller/beacon-mdns/internal/errors"
	"github.com/joshuafuller/beacon-mdns/internal/logger"
	"github.com/joshuafuller/beacon-mdns/internal/transport"
)

// Options selects the interface and sockets of a Node.
type Options struct {
	// InterfaceName or InterfaceIndex picks the interface. With neither, the
	// first multicast-capable interface that is up is used.
	InterfaceName  string
	InterfaceIndex uint32

	IPv4 bool
	IPv6 bool

	// Transports replaces the UDP sockets, typically with members of a
	// transport.MemoryNetwork. No interface lookup is done then and
	// InterfaceIndex defaults to 1.
	Transports []transport.Transport

	// Logger replaces the subsystem loggers of the node, its Link and its Core.
	Logger *slog.Logger

	Core []core.Option
}

// Node is a running engine.
type Node struct {
	Core      *core.Core
	IfIndex   uint32
	Interface *net.Interface

	log        *slog.Logger
	link       *transport.Link
	transports []transport.Transport
	cancel     context.CancelFunc
	group      *errgroup.Group

	closeOnce sync.Once
	closeErr  error
}

// Start opens the sockets and starts the engine. The engine stops when ctx
// is done or Close is called.
func Start(ctx context.Context, o Options) (*Node, error) {
	log := o.Logger
	if log == nil {
		log = logger.Logger("node")
	}
	n := &Node{log: log}

	if len(o.Transports) > 0 {
		n.transports = o.Transports
		n.IfIndex = o.InterfaceIndex
		if n.IfIndex == 0 {
			n.IfIndex = 1
		}
	} else {
		ifi, err := findInterface(o.InterfaceName, o.InterfaceIndex)
		if err != nil {
			return nil, err
		}
		n.Interface = ifi
		n.IfIndex = uint32(ifi.Index)
		if n.transports, err = openTransports(ctx, o.IPv4, o.IPv6, log); err != nil {
			return nil, err
		}
	}

	link, err := transport.NewLink(o.Logger, n.transports...)
	if err != nil {
		return nil, multierr.Append(err, closeAll(n.transports))
	}
	n.link = link

	var coreOpts []core.Option
	if o.Logger != nil {
		coreOpts = append(coreOpts, core.WithLogger(o.Logger))
	}
	c, err := core.New(link, append(coreOpts, o.Core...)...)
	if err != nil {
		return nil, multierr.Append(err, link.Close())
	}
	if err := c.SetEnabled(true, n.IfIndex); err != nil {
		return nil, multierr.Append(err, link.Close())
	}
	n.Core = c

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		if err := c.Run(gctx); !stderrors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error { return link.Serve(gctx, c) })
	n.cancel = cancel
	n.group = g

	log.Info("mdns engine started", "if_index", n.IfIndex, "transports", len(n.transports))
	return n, nil
}

// Addresses lists the unicast addresses of the node's interface. For
// injected transports it lists their source addresses instead.
func (n *Node) Addresses() []netip.Addr {
	var out []netip.Addr
	if n.Interface == nil {
		for _, t := range n.transports {
			if a, ok := t.(interface{ Addr() netip.AddrPort }); ok {
				out = append(out, a.Addr().Addr())
			}
		}
		return out
	}
	addrs, err := n.Interface.Addrs()
	if err != nil {
		n.log.Warn("failed to list interface addresses", "interface", n.Interface.Name, "err", err)
		return nil
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipNet.IP)
		if !ok || addr.IsLoopback() {
			continue
		}
		out = append(out, addr.Unmap())
	}
	return out
}

// Close stops the loops, disables the engine, and closes the sockets.
// Later calls return the first result.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.cancel()
		err := n.group.Wait()
		if derr := n.Core.SetEnabled(false, n.IfIndex); derr != nil && !stderrors.Is(derr, errors.ErrAlready) {
			err = multierr.Append(err, derr)
		}
		n.closeErr = multierr.Append(err, n.link.Close())
	})
	return n.closeErr
}

func openTransports(ctx context.Context, ipv4, ipv6 bool, log *slog.Logger) ([]transport.Transport, error) {
	if !ipv4 && !ipv6 {
		return nil, &errors.ValidationError{Field: "IPv4/IPv6", Value: false, Message: "at least one address family is required"}
	}
	var (
		ts   []transport.Transport
		errs error
	)
	if ipv4 {
		t, err := transport.NewUDPv4Transport(ctx)
		if err == nil {
			ts = append(ts, t)
		}
		errs = multierr.Append(errs, err)
	}
	if ipv6 {
		t, err := transport.NewUDPv6Transport(ctx)
		if err == nil {
			ts = append(ts, t)
		}
		errs = multierr.Append(errs, err)
	}
	if len(ts) == 0 {
		return nil, errs
	}
	if errs != nil {
		log.Warn("continuing without one address family", "err", errs)
	}
	return ts, nil
}

func closeAll(ts []transport.Transport) error {
	var err error
	for _, t := range ts {
		err = multierr.Append(err, t.Close())
	}
	return err
}

func findInterface(name string, index uint32) (*net.Interface, error) {
	switch {
	case name != "":
		ifi, err := net.InterfaceByName(name)
		if err != nil {
			return nil, &errors.NetworkError{Operation: "lookup interface", Err: err, Details: name}
		}
		return ifi, nil
	case index != 0:
		ifi, err := net.InterfaceByIndex(int(index))
		if err != nil {
			return nil, &errors.NetworkError{Operation: "lookup interface", Err: err}
		}
		return ifi, nil
	}
	return DefaultInterface()
}

// DefaultInterface returns the first interface that is up, supports
// multicast, is not a loopback, and has an address.
func DefaultInterface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, &errors.NetworkError{Operation: "list interfaces", Err: err}
	}
	for i := range ifaces {
		ifi := &ifaces[i]
		if !usable(ifi.Flags) {
			continue
		}
		if addrs, err := ifi.Addrs(); err == nil && len(addrs) > 0 {
			return ifi, nil
		}
	}
	return nil, &errors.NetworkError{Operation: "list interfaces", Err: errors.ErrNotFound, Details: "no multicast interface is up"}
}

func usable(f net.Flags) bool {
	return f&net.FlagUp != 0 && f&net.FlagMulticast != 0 && f&net.FlagLoopback == 0
}
