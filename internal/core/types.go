package core

import (
	"net/netip"
	"time"
)

// RequestID is chosen by the caller and echoed to its RegisterCallback.
type RequestID uint32

// RegisterCallback reports the outcome of a registration: nil once the
// entry is Registered, errors.ErrDuplicated on a name conflict.
type RegisterCallback func(id RequestID, err error)

// ConflictCallback reports a name conflict found after registration.
// serviceType is empty for host names.
type ConflictCallback func(name, serviceType string)

// Host is a host name with its addresses. HostName excludes ".local".
// Addresses may mix IPv6 (announced as AAAA) and IPv4 (announced as A).
type Host struct {
	HostName  string
	Addresses []netip.Addr
	// TTL of the address records in seconds; zero selects 120.
	TTL uint32
}

// Service is a DNS-SD service instance.
type Service struct {
	HostName        string
	ServiceInstance string
	ServiceType     string // e.g. "_http._tcp"
	SubTypeLabels   []string
	TXTData         []byte // wire format; empty publishes a single zero byte
	Port            uint16
	Priority        uint16
	Weight          uint16
	TTL             uint32
}

// Key is a KEY record owned by a host (ServiceType empty) or a service
// instance.
type Key struct {
	Name        string
	ServiceType string
	KeyData     []byte
	TTL         uint32
}

func (k Key) isForService() bool { return k.ServiceType != "" }

// EntryState is the registration state of a host, service, or key.
type EntryState uint8

// Entry states.
const (
	EntryProbing EntryState = iota
	EntryRegistered
	EntryConflict
	EntryRemoving
)

func (s EntryState) String() string {
	switch s {
	case EntryProbing:
		return "probing"
	case EntryRegistered:
		return "registered"
	case EntryConflict:
		return "conflict"
	case EntryRemoving:
		return "removing"
	}
	return "unknown"
}

// HostInfo is one host as listed by Core.Hosts.
type HostInfo struct {
	Host
	State EntryState
}

// ServiceInfo is one service as listed by Core.Services.
type ServiceInfo struct {
	Service
	State EntryState
}

// KeyInfo is one key as listed by Core.Keys.
type KeyInfo struct {
	Key
	State EntryState
}

// AddressInfo identifies a peer and the interface a message arrived on.
type AddressInfo struct {
	Addr    netip.AddrPort
	IfIndex uint32
}

// Browser discovers instances of a service type, or of one subtype when
// SubTypeLabel is set. A Browser is identified by its pointer.
type Browser struct {
	ServiceType  string
	SubTypeLabel string
	Callback     func(BrowseResult)
}

// BrowseResult reports one instance. TTL zero means the instance is gone.
type BrowseResult struct {
	ServiceType     string
	SubTypeLabel    string
	ServiceInstance string
	TTL             uint32
	IfIndex         uint32
}

// SrvResolver follows the SRV record of one service instance.
type SrvResolver struct {
	ServiceInstance string
	ServiceType     string
	Callback        func(SrvResult)
}

// SrvResult reports the SRV data of a service instance. TTL zero means removed.
type SrvResult struct {
	ServiceInstance string
	ServiceType     string
	HostName        string
	Port            uint16
	Priority        uint16
	Weight          uint16
	TTL             uint32
	IfIndex         uint32
}

// TxtResolver follows the TXT record of one service instance.
type TxtResolver struct {
	ServiceInstance string
	ServiceType     string
	Callback        func(TxtResult)
}

// TxtResult reports the TXT data of a service instance. TTL zero means removed.
type TxtResult struct {
	ServiceInstance string
	ServiceType     string
	TXTData         []byte
	TTL             uint32
	IfIndex         uint32
}

// AddressResolver follows the AAAA (or A) records of one host.
type AddressResolver struct {
	HostName string
	Callback func(AddressResult)
}

// AddressAndTTL is one resolved address.
type AddressAndTTL struct {
	Address netip.Addr
	TTL     uint32
}

// AddressResult lists every address currently known for a host. An empty
// list means all addresses were removed.
type AddressResult struct {
	HostName  string
	Addresses []AddressAndTTL
	IfIndex   uint32
}

// Socket sends the engine's messages and controls group membership.
type Socket interface {
	SendMulticast(msg []byte, ifIndex uint32) error
	SendUnicast(msg []byte, dest AddressInfo) error
	SetListeningEnabled(enable bool, ifIndex uint32) error
}

func ttlDuration(ttl uint32) time.Duration { return time.Duration(ttl) * time.Second }
