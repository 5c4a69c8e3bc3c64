package pva

import (
	"net"
	"strconv"
	"time"
)

// readPollInterval bounds how long a datagram read loop blocks before
// re-checking its halt channel, the same pattern the teacher's
// blocking-read loops use to stay responsive to shutdown without
// spinning (common.go's readFull deadline handling).
const readPollInterval = 1 * time.Second

func deadlineIn(d time.Duration) time.Time { return nowFunc().Add(d) }

// nowFunc is a var so tests can stub it; production always uses
// time.Now.
var nowFunc = time.Now

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// broadcastAddresses derives the UDP broadcast addresses to search on:
// the interface-derived broadcast address of every up, non-loopback
// IPv4 interface (when cfg.AutoAddrList is set) plus whatever was
// explicitly configured in cfg.AddrList.
func broadcastAddresses(cfg *Config) ([]net.IP, error) {
	var out []net.IP
	seen := make(map[string]bool)
	add := func(ip net.IP) {
		if ip == nil {
			return
		}
		key := ip.String()
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, ip)
	}

	if cfg.AutoAddrList {
		ifaces, err := net.Interfaces()
		if err != nil {
			return nil, Wrap(err, "pva: enumerate network interfaces")
		}
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
				add(broadcastOf(ip4, ipnet.Mask))
			}
		}
	}

	for _, a := range cfg.AddrList {
		host, _, err := net.SplitHostPort(a)
		if err != nil {
			host = a
		}
		if ip := net.ParseIP(host); ip != nil {
			add(ip.To4())
		}
	}

	if len(out) == 0 {
		add(net.IPv4bcast)
	}
	return out, nil
}

func broadcastOf(ip net.IP, mask net.IPMask) net.IP {
	bcast := make(net.IP, len(ip))
	for i := range ip {
		bcast[i] = ip[i] | ^mask[i]
	}
	return bcast
}

// parseHostPort splits an explicit "host:port" config entry, applying
// defaultPort when no port was given.
func parseHostPort(s string, defaultPort int) (string, int) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return s, defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, defaultPort
	}
	return host, port
}
