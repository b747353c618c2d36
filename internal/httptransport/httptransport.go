// Package httptransport builds the shared outbound *http.Transport used by
// every upstream provider client: connection pooling tuned for many
// short-lived calls, plus a shared DNS resolver cache so repeated calls to
// the same provider host don't re-resolve on every request.
package httptransport

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

// Resolver is a process-wide cached DNS resolver shared by all provider
// transports.
var Resolver = &dnscache.Resolver{}

// New returns a tuned *http.Transport with connection pooling and DNS
// caching via Resolver.
func New() *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 50,
		MaxConnsPerHost:     100,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := Resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		var d net.Dialer
		return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
	}
	return t
}

// Refresh periodically clears stale DNS entries from Resolver. Callers run
// it in a background goroutine for the process lifetime.
func Refresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			Resolver.Refresh(true)
		}
	}
}
