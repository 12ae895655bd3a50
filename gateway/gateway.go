// Package gateway reads the host's default-gateway addresses from the OS
// routing table, supplying real-world hints to the router-candidate
// strategy in addition to its static default-IP list.
package gateway

import "net"

// GetIPs returns the IPs of this host's default gateways.
//
// The host may have more than one default gateway. Only IPv4 gateways are
// returned: the Linux and Windows routing-table queries are IPv4-only, and
// other platforms return an error.
func GetIPs() ([]net.IP, error) {
	return getGatewayAddrs()
}

// GetIPv4Strings returns this host's default-gateway addresses as dotted
// IPv4 strings, dropping any IPv6 gateway per the IPv6 non-goal. Used to
// seed the orchestrator's router-IP cache at construction so the first
// wave of candidates isn't limited to guessed defaults.
func GetIPv4Strings() []string {
	ips, err := GetIPs()
	if err != nil {
		return nil
	}

	var out []string
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			out = append(out, v4.String())
		}
	}
	return out
}
