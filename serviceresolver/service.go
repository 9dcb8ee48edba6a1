package serviceresolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// SRVScheme prefixes addresses resolved through DNS SRV records.
const SRVScheme = "srv://"

const defaultServer = "127.0.0.53:53"

// ErrNoRecords is returned when an SRV lookup yields no usable record.
var ErrNoRecords = errors.New("no SRV records")

// Resolver turns advertised backend addresses into dialable host:port pairs.
type Resolver struct {
	log     *slog.Logger
	client  *dns.Client
	servers []string
}

// New creates a resolver using the nameservers from /etc/resolv.conf, falling back
// to the local stub resolver.
func New(log *slog.Logger) *Resolver {
	servers := []string{defaultServer}
	if conf, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(conf.Servers) > 0 {
		servers = servers[:0]
		for _, s := range conf.Servers {
			servers = append(servers, net.JoinHostPort(s, conf.Port))
		}
	}
	return NewWithServers(log, servers)
}

// NewWithServers creates a resolver querying the given host:port nameservers in order.
func NewWithServers(log *slog.Logger, servers []string) *Resolver {
	return &Resolver{
		log:     log,
		client:  new(dns.Client),
		servers: servers,
	}
}

// Resolve returns address unchanged when it is host:port. An srv://_service._proto.domain
// address is resolved to the target and port of its preferred SRV record.
func (r *Resolver) Resolve(ctx context.Context, address string) (string, error) {
	if !strings.HasPrefix(address, SRVScheme) {
		if _, _, err := net.SplitHostPort(address); err != nil {
			return "", fmt.Errorf("invalid backend address %q: %w", address, err)
		}
		return address, nil
	}

	name := dns.Fqdn(strings.TrimPrefix(address, SRVScheme))

	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeSRV)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		in, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			r.log.Debug("SRV query failed", "server", server, "name", name, "err", err)
			lastErr = err
			continue
		}
		if in.Rcode != dns.RcodeSuccess {
			return "", fmt.Errorf("SRV query for %s: %s", name, dns.RcodeToString[in.Rcode])
		}

		records := make([]*dns.SRV, 0, len(in.Answer))
		for _, answer := range in.Answer {
			if srv, ok := answer.(*dns.SRV); ok {
				records = append(records, srv)
			}
		}
		if len(records) == 0 {
			return "", fmt.Errorf("%w for %s", ErrNoRecords, name)
		}

		// Lowest priority first, highest weight among equals.
		sort.SliceStable(records, func(i, j int) bool {
			if records[i].Priority != records[j].Priority {
				return records[i].Priority < records[j].Priority
			}
			return records[i].Weight > records[j].Weight
		})

		resolved := net.JoinHostPort(strings.TrimSuffix(records[0].Target, "."), strconv.Itoa(int(records[0].Port)))
		r.log.Info("Resolved backend address", "address", address, "resolved", resolved)
		return resolved, nil
	}

	return "", fmt.Errorf("could not resolve %s: %w", name, lastErr)
}
