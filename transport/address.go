package transport

import (
	"net"

	"github.com/sirupsen/logrus"
)

// LocalAddresses lists the IPv4 addresses of up, non-loopback interfaces,
// which is what a responder advertises on a shared LAN. When none exist
// (a host with only loopback, as in tests) it returns 127.0.0.1.
func LocalAddresses() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "LocalAddresses",
			"error":    err.Error(),
		}).Warn("Failed to list interfaces")
		return []string{"127.0.0.1"}
	}

	var out []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ip := ipv4Of(a); ip != nil && !ip.IsLinkLocalUnicast() {
				out = append(out, ip.String())
			}
		}
	}

	if len(out) == 0 {
		return []string{"127.0.0.1"}
	}
	return out
}

func ipv4Of(a net.Addr) net.IP {
	var ip net.IP
	switch v := a.(type) {
	case *net.IPNet:
		ip = v.IP
	case *net.IPAddr:
		ip = v.IP
	}
	return ip.To4()
}
