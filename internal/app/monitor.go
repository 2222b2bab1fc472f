package app

import (
	"context"
	"time"

	"github.com/dmitrijs2005/gophupload/internal/logging"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// watchConnectivity pings p every interval. Each offline to online switch
// calls onOnline.
func watchConnectivity(ctx context.Context, p pinger, interval time.Duration, logger logging.Logger, onOnline func()) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	online := true
	for {
		select {
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := p.Ping(pctx)
			cancel()

			switch {
			case err != nil && online:
				online = false
				logger.Warn(ctx, "control plane unreachable", "error", err)
			case err == nil && !online:
				online = true
				logger.Info(ctx, "control plane reachable again")
				onOnline()
			}

		case <-ctx.Done():
			return
		}
	}
}
