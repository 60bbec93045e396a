package registry

import (
	"fmt"
	"net"
	"strings"
)

// workerURL builds the rendezvous token: the URL a worker device opens to
// join this registry.
func workerURL(port int) string {
	addr := primaryAddress()
	if addr == "" {
		addr = "127.0.0.1"
	}
	return fmt.Sprintf("https://%s:%d/offload-worker", addr, port)
}

// primaryAddress picks the first usable non-loopback IPv4 address,
// preferring wireless interfaces since workers pair over the local WLAN.
func primaryAddress() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	var fallback string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			if strings.HasPrefix(iface.Name, "wl") {
				return ip4.String()
			}
			if fallback == "" {
				fallback = ip4.String()
			}
		}
	}
	return fallback
}
