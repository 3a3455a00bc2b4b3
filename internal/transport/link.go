package transport

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/joshuafuller/beacon-mdns/internal/core"
	"github.com/joshuafuller/beacon-mdns/internal/errors"
	"github.com/joshuafuller/beacon-mdns/internal/logger"
)

// Handler receives datagrams read by a Link. *core.Core implements it.
type Handler interface {
	HandleMessage(msg []byte, isUnicast bool, sender core.AddressInfo)
}

// Link binds the engine to one interface over one or more transports. It
// implements core.Socket.
//
// The engine calls the Socket methods while holding its lock, so a Link
// never calls its Handler from them. Received datagrams reach the Handler
// only from the goroutines started by Serve.
type Link struct {
	log        *slog.Logger
	transports []Transport

	mu      sync.Mutex
	ifIndex uint32
	joined  bool
}

var _ core.Socket = (*Link)(nil)

// NewLink returns a Link over the given transports. A nil logger selects the
// "transport" subsystem logger.
func NewLink(log *slog.Logger, transports ...Transport) (*Link, error) {
	if len(transports) == 0 {
		return nil, &errors.ValidationError{Field: "transports", Value: 0, Message: "at least one transport is required"}
	}
	if log == nil {
		log = logger.Logger("transport")
	}
	return &Link{log: log, transports: transports}, nil
}

// SendMulticast sends msg to the group of every transport.
func (l *Link) SendMulticast(msg []byte, ifIndex uint32) error {
	var err error
	for _, t := range l.transports {
		err = multierr.Append(err, t.Send(context.Background(), msg, t.Group(), int(ifIndex)))
	}
	return err
}

// SendUnicast sends msg to dest over the transport of its address family.
func (l *Link) SendUnicast(msg []byte, dest core.AddressInfo) error {
	is4 := dest.Addr.Addr().Unmap().Is4()
	for _, t := range l.transports {
		if t.Group().Addr().Is4() == is4 {
			return t.Send(context.Background(), msg, dest.Addr, int(dest.IfIndex))
		}
	}
	return &errors.NetworkError{
		Operation: "send unicast",
		Err:       net.UnknownNetworkError(dest.Addr.String()),
		Details:   "no transport for address family",
	}
}

// SetListeningEnabled joins or leaves the multicast groups on ifIndex.
func (l *Link) SetListeningEnabled(enable bool, ifIndex uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if enable == l.joined && (!enable || ifIndex == l.ifIndex) {
		return nil
	}
	if enable && l.joined {
		if err := l.leaveLocked(); err != nil {
			return err
		}
	}
	if !enable {
		return l.leaveLocked()
	}

	var err error
	for _, t := range l.transports {
		err = multierr.Append(err, t.JoinGroup(int(ifIndex)))
	}
	if err != nil {
		for _, t := range l.transports {
			_ = t.LeaveGroup(int(ifIndex))
		}
		return err
	}
	l.ifIndex = ifIndex
	l.joined = true
	l.log.Debug("joined multicast groups", "if_index", ifIndex)
	return nil
}

func (l *Link) leaveLocked() error {
	var err error
	for _, t := range l.transports {
		err = multierr.Append(err, t.LeaveGroup(int(l.ifIndex)))
	}
	l.joined = false
	l.log.Debug("left multicast groups", "if_index", l.ifIndex, "err", err)
	return err
}

// accepts drops datagrams received on other interfaces of a wildcard socket.
func (l *Link) accepts(p Packet) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.joined {
		return false
	}
	return p.IfIndex == 0 || uint32(p.IfIndex) == l.ifIndex
}

// Serve reads every transport until ctx is done or the Link is closed,
// passing each datagram to h.
func (l *Link) Serve(ctx context.Context, h Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	var loops sync.WaitGroup
	for _, t := range l.transports {
		loops.Add(1)
		g.Go(func() error {
			defer loops.Done()
			return l.receiveLoop(gctx, t, h)
		})
	}
	finished := make(chan struct{})
	go func() {
		loops.Wait()
		close(finished)
	}()
	g.Go(func() error {
		select {
		case <-gctx.Done():
			for _, t := range l.transports {
				_ = t.SetReadDeadline(time.Unix(1, 0))
			}
		case <-finished:
		}
		return nil
	})
	return g.Wait()
}

func (l *Link) receiveLoop(ctx context.Context, t Transport, h Handler) error {
	for {
		p, err := t.Receive(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil, stderrors.Is(err, net.ErrClosed):
				return nil
			case stderrors.Is(err, os.ErrDeadlineExceeded):
				continue
			}
			l.log.Warn("receive failed", "group", t.Group().String(), "err", err)
			continue
		}
		if !l.accepts(p) {
			continue
		}
		l.mu.Lock()
		ifIndex := l.ifIndex
		l.mu.Unlock()
		h.HandleMessage(p.Data, !p.Multicast, core.AddressInfo{Addr: p.Src, IfIndex: ifIndex})
	}
}

// Close closes every transport.
func (l *Link) Close() error {
	var err error
	for _, t := range l.transports {
		err = multierr.Append(err, t.Close())
	}
	return err
}
