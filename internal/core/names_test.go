package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEscapeLabel(t *testing.T) {
	tests := []struct {
		name  string
		label string
		want  string
	}{
		{"plain", "printer", "printer"},
		{"space and dot", "My Printer v1.2", `My\ Printer\ v1\.2`},
		{"backslash", `a\b`, `a\\b`},
		{"control byte", "a\x01b", `a\001b`},
		{"utf-8", "caf\xc3\xa9", `caf\195\169`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := escapeLabel(tt.label)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.label, unescapeLabel(got))
		})
	}
}

func TestServiceFQDN_SplitsBack(t *testing.T) {
	name := serviceFQDN("Living Room.TV", "_airplay._tcp")
	assert.Equal(t, `Living\ Room\.TV._airplay._tcp.local.`, name)

	instance, typeLabels, ok := parseServiceName(splitName(name))
	assert.True(t, ok)
	assert.Equal(t, "Living Room.TV", instance)
	assert.Equal(t, []string{"_airplay", "_tcp"}, typeLabels)
}

func TestNameHelpers(t *testing.T) {
	assert.Equal(t, "node1.local.", hostFQDN("node1"))
	assert.Equal(t, "node1.local.", hostFQDN("node1."))
	assert.Equal(t, "_printer._sub._ipp._tcp.local.", subTypeFQDN("_printer", "_ipp._tcp"))

	assert.True(t, matchesLocal(splitName("_ipp._tcp.local."), []string{"_ipp", "_tcp"}))
	assert.True(t, matchesLocal(splitName("_IPP._TCP.LOCAL."), []string{"_ipp", "_tcp"}))
	assert.False(t, matchesLocal(splitName("_ipp._tcp.example."), []string{"_ipp", "_tcp"}))
	assert.False(t, matchesLocal(splitName("x._ipp._tcp.local."), []string{"_ipp", "_tcp"}))

	host, ok := stripLocal(splitName("node1.local."))
	assert.True(t, ok)
	assert.Equal(t, "node1", host)
	_, ok = stripLocal(splitName("node1.example."))
	assert.False(t, ok)

	assert.True(t, labelsEqual([]string{"A", "b"}, []string{"a", "B"}))
	assert.False(t, labelsEqual([]string{"a"}, []string{"a", "b"}))
}
