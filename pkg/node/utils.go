package node

import (
	"net"
	"strings"
)

// NormalizeHostPort cuts the udp:// http:// https:// prefixes from the input
// address and adds a default port.
func NormalizeHostPort(addr, defPort string) string {
	for _, scheme := range []string{"udp://", "http://", "https://"} {
		if rest, ok := strings.CutPrefix(addr, scheme); ok {
			addr = rest
			break
		}
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return net.JoinHostPort(addr, defPort)
}
