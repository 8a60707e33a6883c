package worker

import (
	"context"
	"time"

	"github.com/rs/dnscache"

	"github.com/eugener/pagecache/internal/origin"
)

const defaultDNSInterval = 5 * time.Minute

// DNSRefresher keeps the origin resolver cache warm.
type DNSRefresher struct {
	resolver *dnscache.Resolver
	interval time.Duration
}

// NewDNSRefresher creates a DNSRefresher.
func NewDNSRefresher(resolver *dnscache.Resolver, interval time.Duration) *DNSRefresher {
	if interval <= 0 {
		interval = defaultDNSInterval
	}
	return &DNSRefresher{resolver: resolver, interval: interval}
}

// Name returns the worker identifier.
func (w *DNSRefresher) Name() string { return "dns_refresh" }

// Run refreshes the resolver until ctx is cancelled.
func (w *DNSRefresher) Run(ctx context.Context) error {
	return origin.RefreshDNS(ctx, w.resolver, w.interval)
}
