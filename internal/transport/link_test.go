package transport

import (
	"context"
	stderrors "errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/joshuafuller/beacon-mdns/internal/core"
	"github.com/joshuafuller/beacon-mdns/internal/errors"
	"github.com/joshuafuller/beacon-mdns/internal/logger"
)

type received struct {
	msg       []byte
	isUnicast bool
	sender    core.AddressInfo
}

type chanHandler chan received

func (h chanHandler) HandleMessage(msg []byte, isUnicast bool, sender core.AddressInfo) {
	h <- received{msg: msg, isUnicast: isUnicast, sender: sender}
}

func (h chanHandler) next(t *testing.T) received {
	t.Helper()
	select {
	case r := <-h:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no datagram delivered")
		return received{}
	}
}

func newTestLink(t *testing.T, ts ...Transport) *Link {
	t.Helper()
	l, err := NewLink(logger.Discard(), ts...)
	require.NoError(t, err)
	return l
}

func serve(t *testing.T, l *Link, h Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx, h) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("Serve did not return after cancel")
		}
	})
}

func TestNewLink_RequiresTransport(t *testing.T) {
	_, err := NewLink(nil)
	var verr *errors.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestLink_MulticastReachesPeers(t *testing.T) {
	network := NewMemoryNetwork()
	a := newTestLink(t, network.NewTransport(netip.MustParseAddr("fe80::1")))
	b := newTestLink(t, network.NewTransport(netip.MustParseAddr("fe80::2")))
	require.NoError(t, a.SetListeningEnabled(true, 3))
	require.NoError(t, b.SetListeningEnabled(true, 7))

	hb := make(chanHandler, 4)
	serve(t, b, hb)

	require.NoError(t, a.SendMulticast([]byte("hello"), 3))
	got := hb.next(t)
	assert.Equal(t, []byte("hello"), got.msg)
	assert.False(t, got.isUnicast)
	assert.Equal(t, netip.MustParseAddrPort("[fe80::1]:5353"), got.sender.Addr)
	assert.Equal(t, uint32(7), got.sender.IfIndex)
}

func TestLink_MulticastLoopsBack(t *testing.T) {
	network := NewMemoryNetwork()
	a := newTestLink(t, network.NewTransport(netip.MustParseAddr("fe80::1")))
	require.NoError(t, a.SetListeningEnabled(true, 1))

	h := make(chanHandler, 4)
	serve(t, a, h)

	require.NoError(t, a.SendMulticast([]byte("self"), 1))
	assert.Equal(t, []byte("self"), h.next(t).msg)
}

func TestLink_UnicastPicksFamily(t *testing.T) {
	network := NewMemoryNetwork()
	a := newTestLink(t,
		network.NewTransport(netip.MustParseAddr("fe80::1")),
		network.NewTransport(netip.MustParseAddr("192.168.1.1")),
	)
	b4 := network.NewTransport(netip.MustParseAddr("192.168.1.2"))
	b := newTestLink(t, b4)
	require.NoError(t, b.SetListeningEnabled(true, 1))

	h := make(chanHandler, 4)
	serve(t, b, h)

	dest := core.AddressInfo{Addr: b4.Addr(), IfIndex: 1}
	require.NoError(t, a.SendUnicast([]byte("direct"), dest))
	got := h.next(t)
	assert.True(t, got.isUnicast)
	assert.Equal(t, netip.MustParseAddrPort("192.168.1.1:5353"), got.sender.Addr)

	v6only := newTestLink(t, network.NewTransport(netip.MustParseAddr("fe80::3")))
	var nerr *errors.NetworkError
	assert.ErrorAs(t, v6only.SendUnicast([]byte("x"), dest), &nerr)
}

func TestLink_NotListeningDropsDatagrams(t *testing.T) {
	network := NewMemoryNetwork()
	a := newTestLink(t, network.NewTransport(netip.MustParseAddr("fe80::1")))
	require.NoError(t, a.SetListeningEnabled(true, 1))
	b := newTestLink(t, network.NewTransport(netip.MustParseAddr("fe80::2")))
	require.NoError(t, b.SetListeningEnabled(true, 1))
	require.NoError(t, b.SetListeningEnabled(false, 1))

	h := make(chanHandler, 4)
	serve(t, b, h)
	require.NoError(t, a.SendMulticast([]byte("ignored"), 1))

	select {
	case r := <-h:
		t.Fatalf("unexpected datagram %q", r.msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLink_SetListeningEnabledIsIdempotent(t *testing.T) {
	network := NewMemoryNetwork()
	l := newTestLink(t, network.NewTransport(netip.MustParseAddr("fe80::1")))

	require.NoError(t, l.SetListeningEnabled(true, 1))
	require.NoError(t, l.SetListeningEnabled(true, 1))
	require.NoError(t, l.SetListeningEnabled(true, 2), "moving to another interface")
	require.NoError(t, l.SetListeningEnabled(false, 2))
	require.NoError(t, l.SetListeningEnabled(false, 2))
}

type failingTransport struct {
	*MemoryTransport
	closeErr error
}

func (f failingTransport) Close() error { return f.closeErr }

func TestLink_CloseCombinesErrors(t *testing.T) {
	network := NewMemoryNetwork()
	errA := stderrors.New("a")
	errB := stderrors.New("b")
	l := newTestLink(t,
		failingTransport{network.NewTransport(netip.MustParseAddr("fe80::1")), errA},
		failingTransport{network.NewTransport(netip.MustParseAddr("10.0.0.1")), errB},
	)

	err := l.Close()
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Len(t, multierr.Errors(err), 2)
}

func TestLink_ServeReturnsAfterClose(t *testing.T) {
	network := NewMemoryNetwork()
	l := newTestLink(t, network.NewTransport(netip.MustParseAddr("fe80::1")))

	done := make(chan error, 1)
	go func() { done <- l.Serve(context.Background(), make(chanHandler)) }()
	require.NoError(t, l.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}
