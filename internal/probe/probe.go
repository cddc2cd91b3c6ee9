package probe

import (
	"context"
	"net"
	"strconv"
	"time"
)

// Endpoint is one monitored game service: a name and the TCP address
// it listens on. The set of endpoints is fixed at process start.
type Endpoint struct {
	Name string `yaml:"name"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Prober checks whether a single endpoint accepts TCP connections.
// Implementations must be safe for concurrent use.
type Prober interface {
	Probe(ctx context.Context, host string, port int) bool
}

// TCPProber reports an endpoint as online iff a TCP handshake
// completes within Timeout. Every failure mode (timeout, refusal,
// DNS error, reset) folds into false; it never returns an error.
type TCPProber struct {
	Timeout time.Duration
}

func NewTCPProber(timeout time.Duration) TCPProber {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return TCPProber{Timeout: timeout}
}

func (p TCPProber) Probe(ctx context.Context, host string, port int) bool {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	var dialer net.Dialer

	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()

	return true
}
