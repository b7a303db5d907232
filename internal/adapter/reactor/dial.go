package reactor

import "net"

// resolveIPv4 parses a dotted-quad or resolves a hostname to its first
// IPv4 address. An unparseable or unresolvable address yields the zero
// address 0.0.0.0 rather than an error; on Linux a connect() to it is
// directed at the local host.
func resolveIPv4(address string) [4]byte {
	ip := net.ParseIP(address)
	if ip == nil {
		if ips, err := net.LookupIP(address); err == nil {
			for _, candidate := range ips {
				if v4 := candidate.To4(); v4 != nil {
					ip = v4
					break
				}
			}
		}
	}

	var out [4]byte
	if v4 := ip.To4(); v4 != nil {
		copy(out[:], v4)
	}
	return out
}
