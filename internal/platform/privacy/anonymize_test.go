package privacy

import "testing"

func TestAnonymizeIP(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"ipv4", "192.168.1.47", "192.168.1.0"},
		{"ipv4 boundary", "10.0.0.255", "10.0.0.0"},
		{"ipv6", "2001:db8:85a3::8a2e:370:7334", "2001:0db8:85a3::"},
		{"empty", "", "unknown"},
		{"unknown passthrough", "unknown", "unknown"},
		{"garbage", "not-an-ip", "invalid"},
		{"ipv4 mapped ipv6", "::ffff:192.168.1.47", "192.168.1.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AnonymizeIP(tt.input); got != tt.expected {
				t.Errorf("AnonymizeIP(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}
