package responder

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/joshuafuller/beacon-mdns/internal/errors"
)

// serviceTypePattern matches "_service._tcp" or "_service._udp" (RFC 6763 §7),
// with an optional ".local" suffix.
var serviceTypePattern = regexp.MustCompile(`^_[A-Za-z0-9]([A-Za-z0-9-]{0,13}[A-Za-z0-9])?\._(tcp|udp)(\.local\.?)?$`)

// Service is a DNS-SD service instance to advertise.
//
// Example:
//
//	svc := &responder.Service{
//	    InstanceName: "My Printer",
//	    ServiceType:  "_ipp._tcp",
//	    Port:         631,
//	    TXTRecords:   map[string]string{"paper": "A4"},
//	}
type Service struct {
	// InstanceName is the user-visible name (RFC 6763 §4.1.1), at most 63 bytes.
	InstanceName string

	// ServiceType is "_<service>._tcp" or "_<service>._udp".
	ServiceType string

	// SubTypes are advertised as "<sub>._sub.<type>.local" (RFC 6763 §7.1).
	SubTypes []string

	Port     uint16
	Priority uint16
	Weight   uint16

	// TXTRecords become the key=value strings of the TXT record.
	TXTRecords map[string]string

	baseName string
	renames  int
}

// ID identifies the service in Unregister, GetService and UpdateService.
func (s *Service) ID() string {
	return s.InstanceName + "." + s.serviceType()
}

func (s *Service) serviceType() string {
	return strings.TrimSuffix(strings.TrimSuffix(s.ServiceType, "."), ".local")
}

// Validate checks the service against RFC 6763 naming rules.
func (s *Service) Validate() error {
	if s.InstanceName == "" {
		return &errors.ValidationError{Field: "InstanceName", Value: s.InstanceName, Message: "must not be empty"}
	}
	if len(s.InstanceName) > 63 {
		return &errors.ValidationError{Field: "InstanceName", Value: s.InstanceName, Message: "must be at most 63 bytes"}
	}
	if !serviceTypePattern.MatchString(s.ServiceType) {
		return &errors.ValidationError{Field: "ServiceType", Value: s.ServiceType, Message: "must look like _service._tcp or _service._udp"}
	}
	if s.Port == 0 {
		return &errors.ValidationError{Field: "Port", Value: s.Port, Message: "must not be zero"}
	}
	for _, sub := range s.SubTypes {
		if sub == "" || len(sub) > 63 {
			return &errors.ValidationError{Field: "SubTypes", Value: sub, Message: "must be 1 to 63 bytes"}
		}
	}
	if _, err := EncodeTXT(s.TXTRecords); err != nil {
		return err
	}
	return nil
}

// Rename appends "-2", "-3", ... to the original instance name (RFC 6762 §9).
func (s *Service) Rename() {
	if s.baseName == "" {
		s.baseName = s.InstanceName
	}
	s.renames++
	s.InstanceName = fmt.Sprintf("%s-%d", s.baseName, s.renames+1)
}

func (s *Service) clone() *Service {
	c := *s
	c.SubTypes = slices.Clone(s.SubTypes)
	c.TXTRecords = maps.Clone(s.TXTRecords)
	return &c
}

// EncodeTXT builds TXT rdata from key=value pairs (RFC 6763 §6), with keys
// in sorted order. An empty map yields nil, published as a single empty
// string. A pair with an empty value is encoded as the bare key.
func EncodeTXT(pairs map[string]string) ([]byte, error) {
	var out []byte
	for _, k := range slices.Sorted(maps.Keys(pairs)) {
		if k == "" || strings.Contains(k, "=") {
			return nil, &errors.ValidationError{Field: "TXTRecords", Value: k, Message: "key must be non-empty and contain no '='"}
		}
		entry := k
		if v := pairs[k]; v != "" {
			entry += "=" + v
		}
		if len(entry) > 255 {
			return nil, &errors.ValidationError{Field: "TXTRecords", Value: k, Message: "entry exceeds 255 bytes"}
		}
		out = append(out, byte(len(entry)))
		out = append(out, entry...)
	}
	return out, nil
}
