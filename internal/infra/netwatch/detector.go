// Package netwatch detects connectivity loss to the portal and reports
// when it comes back, so sessions can be re-validated after an outage.
package netwatch

import (
	"context"
	"net"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/eosbot/internal/infra/config"
)

// Detector probes the portal's TCP endpoint from its own goroutine. It
// never touches shared state; the restore callback is expected to
// marshal itself onto the owner goroutine.
type Detector struct {
	addr      string
	period    time.Duration
	timeout   time.Duration
	threshold int

	// onRestore fires once per down-to-up flip.
	onRestore func()

	dial func() error

	failures int
	down     bool
}

// New creates a detector probing addr (host:port).
func New(cfg config.NetworkConfig, addr string, onRestore func()) *Detector {
	d := &Detector{
		addr:      addr,
		period:    time.Duration(cfg.ProbePeriodMs) * time.Millisecond,
		timeout:   time.Duration(cfg.ProbeTimeoutMs) * time.Millisecond,
		threshold: cfg.FailureThreshold,
		onRestore: onRestore,
	}
	d.dial = func() error {
		conn, err := net.DialTimeout("tcp", d.addr, d.timeout)
		if err != nil {
			return err
		}
		return conn.Close()
	}
	return d
}

// Run probes until ctx is done. Call on a dedicated goroutine.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.probe()
		}
	}
}

func (d *Detector) probe() {
	if err := d.dial(); err != nil {
		d.failures++
		if d.failures >= d.threshold && !d.down {
			d.down = true
			zlog.Warn().Str("addr", d.addr).Int("failures", d.failures).
				Msg("portal unreachable")
		}
		return
	}

	if d.down {
		zlog.Info().Str("addr", d.addr).Msg("portal reachable again")
		d.down = false
		if d.onRestore != nil {
			d.onRestore()
		}
	}
	d.failures = 0
}
