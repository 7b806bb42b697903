package fetch

import (
	"context"
	"time"

	"github.com/fleetglass-io/fleetglass/internal/core/model"
	"github.com/fleetglass-io/fleetglass/pkg/log"
)

// PositionSink receives polled positions. Satisfied by the telemetry
// repository, so polled data runs through the same dedup and
// notification path as streamed data.
type PositionSink interface {
	IngestPositions(positions []model.Position)
}

// Poller periodically fetches latest positions over REST. It is the
// fallback path while the live stream is down; ticks are skipped
// whenever Connected reports true.
type Poller struct {
	interval  time.Duration
	client    *Client
	sink      PositionSink
	connected func() bool
	logger    log.Logger
}

// NewPoller creates a Poller. connected may be nil, in which case every
// tick polls.
func NewPoller(interval time.Duration, client *Client, sink PositionSink, connected func() bool, logger log.Logger) *Poller {
	if logger == nil {
		logger = log.WithName("poller")
	}
	return &Poller{
		interval:  interval,
		client:    client,
		sink:      sink,
		connected: connected,
		logger:    logger,
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.connected != nil && p.connected() {
				continue
			}
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	positions, err := p.client.LatestPositions(ctx)
	if err != nil {
		p.logger.Warn("position poll failed", "err", err)
		return
	}
	p.sink.IngestPositions(positions)
}
