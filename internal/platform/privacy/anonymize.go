// Package privacy holds helpers for keeping request metadata out of
// identifying range before it reaches logs or audit entries.
package privacy

import (
	"fmt"
	"net"
)

// AnonymizeIP truncates an IP address to a network prefix so audit entries
// record request origin without identifying a host.
//
// IPv4 is masked to /24 ("192.168.1.47" -> "192.168.1.0"); IPv6 keeps only
// the /48 prefix. Empty input maps to "unknown", unparseable input to
// "invalid".
func AnonymizeIP(ip string) string {
	if ip == "" || ip == "unknown" {
		return "unknown"
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "invalid"
	}

	if v4 := parsed.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.%d.0", v4[0], v4[1], v4[2])
	}

	return fmt.Sprintf("%02x%02x:%02x%02x:%02x%02x::",
		parsed[0], parsed[1],
		parsed[2], parsed[3],
		parsed[4], parsed[5])
}
