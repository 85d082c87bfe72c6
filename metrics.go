package main

import (
	"context"
	"log/slog"
	"time"

	"audiohub/server/internal/ports"
	"audiohub/server/internal/rooms"
)

// RunMetrics logs room and port-pool occupancy every interval until ctx is
// canceled. This lineage has no audio datagrams flowing through the hub's
// own process to count, so it reports the quantities the hub actually owns.
func RunMetrics(ctx context.Context, reg *rooms.Registry, alloc *ports.Allocator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summaries := reg.List()
			participants := 0
			for _, r := range summaries {
				participants += r.Participants
			}
			used, total := alloc.Stats()
			slog.Info("metrics",
				"rooms", len(summaries),
				"participants", participants,
				"ports_used", used,
				"ports_total", total,
			)
		}
	}
}
