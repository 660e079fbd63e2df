// Package maintenance runs the ambient housekeeping sweep described in
// §5: a cron job that flags a stale config.prepare.yml (a crashed 2PC
// round, left behind for an operator to clean up by hand) and refreshes
// the optional Redis status mirror. It never touches the active config
// and never removes the prepare file itself.
//
// Grounded on checker/scheduler.go: the same cron.New(cron.WithSeconds(),
// cron.WithChain(cron.Recover(...))) construction and Start/Stop shape,
// retargeted at a single sweep function instead of the teacher's height
// checks.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"clusterconf/applier"
	"clusterconf/cache"
	"clusterconf/metrics"
)

// staleAfter is how old a prepare file must be before the sweep flags it
// as likely abandoned by a crashed 2PC participant.
const staleAfter = 2 * time.Minute

// Sweeper runs the periodic maintenance sweep.
type Sweeper struct {
	app    *applier.Applier
	mirror *cache.Mirror
	logger *zap.Logger
	cron   *cron.Cron
	spec   string
}

// New builds a Sweeper. spec is a standard cron expression with seconds
// (e.g. "*/30 * * * * *"); mirror may be nil, in which case the mirror
// refresh step is skipped.
func New(app *applier.Applier, mirror *cache.Mirror, logger *zap.Logger, spec string) *Sweeper {
	return &Sweeper{
		app:    app,
		mirror: mirror,
		logger: logger,
		spec:   spec,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cron.DefaultLogger)),
		),
	}
}

// Start schedules the sweep and begins running it.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.sweep); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("maintenance sweeper started", zap.String("spec", s.spec))
	return nil
}

// Stop halts the sweeper and waits for any in-flight run to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("maintenance sweeper stopped")
}

func (s *Sweeper) sweep() {
	s.checkStalePrepare()
	s.refreshMirror()
}

// checkStalePrepare reports, via a gauge, whether a prepare file has sat
// on disk for longer than staleAfter — evidence of a crashed participant
// in a 2PC round. It only logs; removal is a documented manual recovery
// step (§5).
func (s *Sweeper) checkStalePrepare() {
	exists, modTimeUnix, err := s.app.Store().PrepareFileStat()
	if err != nil {
		s.logger.Warn("maintenance sweep: failed to stat prepare file", zap.Error(err))
		return
	}
	if !exists {
		metrics.PreparedFilesStale.Set(0)
		return
	}

	age := time.Since(time.Unix(modTimeUnix, 0))
	if age < staleAfter {
		metrics.PreparedFilesStale.Set(0)
		return
	}

	metrics.PreparedFilesStale.Set(1)
	s.logger.Warn("maintenance sweep: stale prepare file detected, a 2PC round may have crashed; manual removal required",
		zap.Duration("age", age), zap.String("path", s.app.Store().PreparePath()))
}

// refreshMirror republishes this instance's current apply status to the
// optional Redis mirror, a no-op when the mirror is disabled or nil.
func (s *Sweeper) refreshMirror() {
	if s.mirror == nil || !s.mirror.IsEnabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status := "ready"
	if view := s.app.ActiveDoc(); !view.IsZero() {
		// An active config is in place; status reflects normal operation
		// unless a pipeline step has recorded a failure (surfaced via
		// membership payload, not re-derived here).
		if self := s.app.Membership().Myself(); self.Payload.Error != "" {
			status = "error: " + self.Payload.Error
		}
	}

	s.mirror.SetApplyStatus(ctx, s.app.MyUUID(), status, 10*time.Minute)
}
