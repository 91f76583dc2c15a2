package server

import "net"

// GetAddrString returns the string form of a network address, tolerating
// nil addresses from half-set-up connections.
func GetAddrString(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	return addr.String()
}
