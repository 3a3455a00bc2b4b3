// Package protocol holds the wire and timing constants of Multicast DNS.
//
// RFC 6762 §5: mDNS uses UDP port 5353 with the multicast groups 224.0.0.251
// and ff02::fb. RFC 6762 §8 and §10 fix the probe, announce, and TTL values.
package protocol

import "time"

// Addressing per RFC 6762 §3 and §5.
const (
	Port              = 5353
	MulticastAddrIPv4 = "224.0.0.251"
	MulticastAddrIPv6 = "ff02::fb"

	// LocalDomain is the domain all mDNS names live under.
	LocalDomain = "local"
)

// Record classes and flag bits.
const (
	ClassIN  uint16 = 1
	ClassANY uint16 = 255

	// QUBit is the top bit of the question class (RFC 6762 §5.4).
	QUBit uint16 = 1 << 15
	// CacheFlushBit is the top bit of the record class (RFC 6762 §10.2).
	CacheFlushBit uint16 = 1 << 15
	// ClassMask strips QUBit/CacheFlushBit.
	ClassMask uint16 = 0x7fff
)

// RecordType is a DNS RR type.
type RecordType = uint16

// Record types used by the engine.
const (
	RecordTypeA    RecordType = 1
	RecordTypePTR  RecordType = 12
	RecordTypeTXT  RecordType = 16
	RecordTypeKEY  RecordType = 25
	RecordTypeAAAA RecordType = 28
	RecordTypeSRV  RecordType = 33
	RecordTypeNSEC RecordType = 47
	RecordTypeANY  RecordType = 255
)

// TTLs in seconds (RFC 6762 §10).
const (
	// TTLHostname is the default TTL for host address and key records.
	TTLHostname uint32 = 120
	// TTLService is the default TTL for SRV, TXT, and service PTR records.
	TTLService uint32 = 120
	// TTLServicesPtr is the TTL of _services._dns-sd._udp PTR records.
	TTLServicesPtr uint32 = 4500
	// TTLNsec is the TTL of negative-answer NSEC records.
	TTLNsec uint32 = 4500
	// TTLLegacyUnicastMax caps TTLs in legacy unicast responses (RFC 6762 §6.7).
	TTLLegacyUnicastMax uint32 = 10
	// TTLCacheMax clamps TTLs accepted into caches.
	TTLCacheMax uint32 = 24 * 3600
)

// Probing and announcing (RFC 6762 §8).
const (
	NumProbes         = 3
	ProbeWaitTime     = 250 * time.Millisecond
	MinProbeDelay     = 20 * time.Millisecond
	MaxProbeDelay     = 250 * time.Millisecond
	ProbeTiebreakWait = time.Second

	NumAnnounces          = 3
	AnnounceIntervalUnit  = time.Second
	MinResponseDelay      = 20 * time.Millisecond
	MaxResponseDelay      = 120 * time.Millisecond
	MinMulticastInterval  = time.Second
	MinProbeAnswerSpacing = 250 * time.Millisecond
	// LastMulticastTimeAge bounds how long a record's last multicast time is kept.
	LastMulticastTimeAge = 10 * time.Hour
)

// Querying and caching (RFC 6762 §5.2).
const (
	NumInitialQueries    = 3
	InitialQueryInterval = time.Second
	MinInitialQueryDelay = 20 * time.Millisecond
	MaxInitialQueryDelay = 120 * time.Millisecond
	MinQueryInterval     = time.Second
	NonActiveDeleteDelay = 7 * time.Minute

	// MaxRefreshQueries is the number of refresh attempts before expiry.
	MaxRefreshQueries = 4
	// RefreshQueryJitterPercent is the random extra delay, as a percent of TTL.
	RefreshQueryJitterPercent = 2
)

// RefreshQueryPercents are the points in a record's lifetime at which
// refresh queries are sent.
var RefreshQueryPercents = [MaxRefreshQueries]int{80, 85, 90, 95}

// Message handling.
const (
	// DefaultMaxMessageSize is the size at which outgoing messages are split.
	DefaultMaxMessageSize = 1200

	MaxMultiPacketMessages = 10
	MinMultiPacketDelay    = 400 * time.Millisecond
	MaxMultiPacketDelay    = 500 * time.Millisecond

	TxHistoryExpire = 10 * time.Second
	TxHistorySize   = 256
)
