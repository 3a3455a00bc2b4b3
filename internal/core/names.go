package core

import (
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

const (
	localDomain       = "local."
	subTypeLabel      = "_sub"
	servicesDnssdName = "_services._dns-sd._udp.local."
)

var servicesDnssdLabels = []string{"_services", "_dns-sd", "_udp", "local"}

// escapeLabel renders one raw label in the presentation format used by
// miekg/dns, so that instance names with dots or spaces survive packing.
func escapeLabel(label string) string {
	var b strings.Builder
	for i := 0; i < len(label); i++ {
		c := label[i]
		switch {
		case isSpecialLabelByte(c):
			b.WriteByte('\\')
			b.WriteByte(c)
		case c < ' ' || c > '~':
			b.WriteByte('\\')
			b.WriteString(leftPad3(strconv.Itoa(int(c))))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func isSpecialLabelByte(c byte) bool {
	switch c {
	case '.', ' ', '\'', '@', ';', '(', ')', '"', '\\':
		return true
	}
	return false
}

func leftPad3(s string) string {
	for len(s) < 3 {
		s = "0" + s
	}
	return s
}

// unescapeLabel reverses escapeLabel for a label produced by dns.SplitDomainName.
func unescapeLabel(label string) string {
	if !strings.Contains(label, "\\") {
		return label
	}
	var b strings.Builder
	for i := 0; i < len(label); i++ {
		c := label[i]
		if c != '\\' || i+1 >= len(label) {
			b.WriteByte(c)
			continue
		}
		if i+3 < len(label) && isDigit(label[i+1]) && isDigit(label[i+2]) && isDigit(label[i+3]) {
			n, _ := strconv.Atoi(label[i+1 : i+4])
			b.WriteByte(byte(n))
			i += 3
			continue
		}
		b.WriteByte(label[i+1])
		i++
	}
	return b.String()
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// splitName returns the unescaped labels of a presentation-format name.
func splitName(name string) []string {
	labels := dns.SplitDomainName(name)
	for i, l := range labels {
		labels[i] = unescapeLabel(l)
	}
	return labels
}

// dottedLabels splits a multi-label host name or service type ("_http._tcp").
func dottedLabels(s string) []string {
	s = strings.TrimSuffix(s, ".")
	if s == "" {
		return nil
	}
	return strings.Split(s, ".")
}

func labelsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}

// nameEqual compares names case-insensitively.
func nameEqual(a, b string) bool { return strings.EqualFold(a, b) }

// matchesLocal reports whether labels are the concatenation of parts followed by "local".
func matchesLocal(labels []string, parts ...[]string) bool {
	i := 0
	for _, p := range parts {
		for _, l := range p {
			if i >= len(labels) || !strings.EqualFold(labels[i], l) {
				return false
			}
			i++
		}
	}
	return i == len(labels)-1 && strings.EqualFold(labels[i], "local")
}

func hostFQDN(host string) string {
	return joinDotted(host) + localDomain
}

func serviceTypeFQDN(serviceType string) string {
	return joinDotted(serviceType) + localDomain
}

func serviceFQDN(instance, serviceType string) string {
	return escapeLabel(instance) + "." + serviceTypeFQDN(serviceType)
}

func subTypeFQDN(subType, serviceType string) string {
	return escapeLabel(subType) + "." + subTypeLabel + "." + serviceTypeFQDN(serviceType)
}

func joinDotted(s string) string {
	labels := dottedLabels(s)
	var b strings.Builder
	for _, l := range labels {
		b.WriteString(escapeLabel(l))
		b.WriteByte('.')
	}
	return b.String()
}

// parseServiceName splits "<instance>.<type labels>.local" into the instance
// label and the remaining type labels.
func parseServiceName(labels []string) (instance string, typeLabels []string, ok bool) {
	if len(labels) < 4 || !strings.EqualFold(labels[len(labels)-1], "local") {
		return "", nil, false
	}
	return labels[0], labels[1 : len(labels)-1], true
}

// stripLocal returns the host name part of "<host>.local".
func stripLocal(labels []string) (string, bool) {
	if len(labels) < 2 || !strings.EqualFold(labels[len(labels)-1], "local") {
		return "", false
	}
	return strings.Join(labels[:len(labels)-1], "."), true
}
