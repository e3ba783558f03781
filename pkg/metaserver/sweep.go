package metaserver

import (
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// StartSweeps schedules the staleness sweep on a cron-driven background
// loop, the way function61-varasto's scheduler runs periodic
// maintenance jobs rather than a bare time.Ticker. Runs only on the
// leader; the caller stops the returned cron.Cron on step-down.
func (m *Manager) StartSweeps() *cron.Cron {
	c := cron.New(cron.WithSeconds())
	_, err := c.AddFunc("@every 10s", func() {
		demoted, err := m.SweepStaleNodes()
		if err != nil {
			m.logger.Error("staleness sweep failed", zap.Error(err))
			return
		}
		if len(demoted) > 0 {
			m.logger.Info("staleness sweep demoted nodes", zap.Int("count", len(demoted)))
		}
	})
	if err != nil {
		m.logger.Error("failed to schedule staleness sweep", zap.Error(err))
	}
	_, err = c.AddFunc("@daily", func() {
		if err := m.SweepOrphanBlocks(); err != nil {
			m.logger.Error("orphan block sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		m.logger.Error("failed to schedule orphan block sweep", zap.Error(err))
	}
	c.Start()
	return c
}
