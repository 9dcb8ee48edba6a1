package serviceresolver

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startDNS serves SRV records for _storage._tcp.enclaves.test. and NXDOMAIN otherwise
func startDNS(t *testing.T) string {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)

		switch req.Question[0].Name {
		case "_storage._tcp.enclaves.test.":
			hdr := dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: 60}
			m.Answer = []dns.RR{
				&dns.SRV{Hdr: hdr, Priority: 20, Weight: 100, Port: 9443, Target: "backup.enclaves.test."},
				&dns.SRV{Hdr: hdr, Priority: 10, Weight: 5, Port: 8443, Target: "storage-b.enclaves.test."},
				&dns.SRV{Hdr: hdr, Priority: 10, Weight: 50, Port: 8443, Target: "storage-a.enclaves.test."},
			}
		case "_empty._tcp.enclaves.test.":
		default:
			m.Rcode = dns.RcodeNameError
		}
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	server := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = server.ActivateAndServe() }()
	t.Cleanup(func() { _ = server.Shutdown() })

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("dns server did not start")
	}
	return pc.LocalAddr().String()
}

func TestResolve(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewWithServers(logger, []string{startDNS(t)})

	tests := []struct {
		address  string
		expected string
		ok       bool
	}{
		{"storage:8443", "storage:8443", true},
		{"10.0.0.1:9000", "10.0.0.1:9000", true},
		{"srv://_storage._tcp.enclaves.test", "storage-a.enclaves.test:8443", true},
		{"srv://_missing._tcp.enclaves.test", "", false},
		{"srv://_empty._tcp.enclaves.test", "", false},
		{"storage", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			resolved, err := r.Resolve(context.Background(), tt.address)
			if !tt.ok {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, resolved)
		})
	}

	_, err := r.Resolve(context.Background(), "srv://_empty._tcp.enclaves.test")
	assert.ErrorIs(t, err, ErrNoRecords)
}

func TestResolve_ServerUnreachable(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewWithServers(logger, []string{"127.0.0.1:1"})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := r.Resolve(ctx, "srv://_storage._tcp.enclaves.test")
	require.Error(t, err)
}
