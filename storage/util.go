package storage

import (
	"net"
	"strings"
)

func splitHostPort(hostport, defaultPort string) (string, string) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, defaultPort
	}
	return host, port
}

func splitFirstSegment(p string) (string, string) {
	p = strings.Trim(p, "/")
	first, rest, _ := strings.Cut(p, "/")
	return first, rest
}
