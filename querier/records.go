// Package querier discovers and resolves mDNS services and hosts
// (RFC 6762, RFC 6763).
//
// A Querier keeps a cache of everything it has seen. Browse reports
// instances of a service type as they appear and disappear; ResolveService
// and LookupHost answer from the cache when they can and query the network
// otherwise. Records are refreshed at 80-95% of their TTL while a browser or
// resolver needs them (RFC 6762 §5.2).
//
// Example:
//
//	q, err := querier.New(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer q.Close()
//
//	stop, err := q.Browse("_http._tcp", func(ev querier.BrowseEvent) {
//	    fmt.Println(ev.Instance, ev.Removed)
//	})
//	defer stop()
package querier

import (
	"net/netip"
	"strings"
	"time"
)

// BrowseEvent reports one instance of a browsed service type.
type BrowseEvent struct {
	Instance    string
	ServiceType string
	SubType     string

	// TTL is the remaining lifetime. Removed is set when the instance said
	// goodbye or expired.
	TTL     time.Duration
	Removed bool
}

// ServiceInstance is a resolved service.
//
// Example:
//
//	inst, err := q.ResolveService(ctx, "My Printer", "_ipp._tcp")
//	if err == nil {
//	    fmt.Printf("%s:%d %v\n", inst.HostName, inst.Port, inst.Text)
//	}
type ServiceInstance struct {
	Instance    string
	ServiceType string

	// HostName is the target of the SRV record, without ".local".
	HostName string
	Port     uint16
	Priority uint16
	Weight   uint16

	// Text holds the TXT strings in wire order.
	Text []string

	Addresses []netip.Addr
}

// TextMap splits the TXT strings into key/value pairs (RFC 6763 §6.3).
// Keys are compared case-insensitively, so they are lower-cased. For a
// repeated key the first occurrence wins; a bare key maps to "".
func (s *ServiceInstance) TextMap() map[string]string {
	out := make(map[string]string, len(s.Text))
	for _, entry := range s.Text {
		k, v, _ := strings.Cut(entry, "=")
		if k == "" {
			continue
		}
		k = strings.ToLower(k)
		if _, dup := out[k]; dup {
			continue
		}
		out[k] = v
	}
	return out
}

// DecodeTXT splits TXT rdata into its length-prefixed strings. Empty
// strings are skipped and a truncated final string is dropped.
func DecodeTXT(data []byte) []string {
	var out []string
	for len(data) > 0 {
		n := int(data[0])
		data = data[1:]
		if n > len(data) {
			break
		}
		if n > 0 {
			out = append(out, string(data[:n]))
		}
		data = data[n:]
	}
	return out
}
