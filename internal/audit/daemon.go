package audit

import (
	"time"

	"github.com/arkilian/rollup/internal/daemon"
	"github.com/arkilian/rollup/internal/logging"
)

// NewDaemon runs full audits of c every interval.
func NewDaemon(c *Checker, interval time.Duration, logger *logging.Logger) (*daemon.Daemon, error) {
	return daemon.New(c, daemon.Config{Interval: interval}, logger)
}
