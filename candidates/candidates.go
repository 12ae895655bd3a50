// Package candidates implements the router-candidate wave strategy: given
// the known-good router cache and the host's local IPs, it produces two
// ordered waves of gateway IPs to probe, so protocols that fan out (NAT-PMP,
// PCP) avoid flooding every default gateway on the first attempt.
package candidates

import "github.com/Lamby777/liberate-your-ports/ipmatch"

// ProbePort is a port reserved for protocol-support probing; these must
// never double as a real mapping's external port within one process run.
type ProbePort int

const (
	ProbePortPMP  ProbePort = 55555
	ProbePortPCP  ProbePort = 55556
	ProbePortUPnP ProbePort = 55557
)

// RouterIPs lists popular default gateway addresses for residential NAT
// devices. Treated as an immutable, ordered set: never mutate the slice
// returned by RouterIPs or held internally.
var RouterIPs = []string{
	"192.168.0.1", "192.168.1.1", "192.168.2.1", "192.168.1.254",
	"192.168.0.254", "192.168.254.254", "192.168.1.2", "192.168.0.2",
	"192.168.10.1", "192.168.100.1", "192.168.1.100", "10.0.0.1",
	"10.0.0.138", "10.0.1.1", "10.1.1.1", "192.168.11.1",
	"192.168.20.1", "192.168.8.1", "192.168.3.1", "10.0.0.2",
}

// Waves splits RouterIPs into two ordered, deduplicated fan-out waves:
// wave one is the known-good cache (in cache order) plus whichever
// RouterIPs entry best LAN-matches each local IP; wave two is everything
// else in RouterIPs, in list order.
func Waves(cache []string, localIPs []string) (wave1, wave2 []string) {
	seen := make(map[string]bool, len(cache))

	for _, ip := range cache {
		if !seen[ip] {
			seen[ip] = true
			wave1 = append(wave1, ip)
		}
	}

	for _, local := range localIPs {
		match, ok := ipmatch.LongestPrefixMatch(RouterIPs, local)
		if ok && !seen[match] {
			seen[match] = true
			wave1 = append(wave1, match)
		}
	}

	for _, ip := range RouterIPs {
		if !seen[ip] {
			seen[ip] = true
			wave2 = append(wave2, ip)
		}
	}

	return wave1, wave2
}
