// Package netutil provides small network helpers.
package netutil

import (
	"net"
)

// LocalIPv4 returns the first non-loopback IPv4 address of an interface
// that is up, or "127.0.0.1".
func LocalIPv4() string {
	interfaces, _ := net.Interfaces()
	for _, iface := range interfaces {
		// 跳过回环和down的接口
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				if ipnet.IP.To4() != nil && !ipnet.IP.IsLoopback() {
					return ipnet.IP.String()
				}
			}
		}
	}

	return "127.0.0.1"
}

// DisplayAddr turns a bound listen address into one a browser can use:
// a wildcard host is replaced by LocalIPv4.
func DisplayAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = LocalIPv4()
	}
	return net.JoinHostPort(host, port)
}
