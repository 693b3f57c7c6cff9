package campaign

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSpec is how often the activator looks for due campaigns.
const DefaultSweepSpec = "@every 30s"

// Activator periodically sweeps for scheduled campaigns whose dispatch
// time has arrived and starts them.
type Activator struct {
	svc    *Service
	cron   *cron.Cron
	spec   string
	logger *slog.Logger
}

// NewActivator creates an activation sweep with the given cron spec.
// An empty spec uses the default.
func NewActivator(svc *Service, spec string) *Activator {
	if spec == "" {
		spec = DefaultSweepSpec
	}
	return &Activator{
		svc:    svc,
		cron:   cron.New(),
		spec:   spec,
		logger: slog.Default().With("component", "activator"),
	}
}

// Start registers the sweep job and starts the cron scheduler. It also
// runs one sweep immediately so campaigns that came due while the process
// was down start without waiting a full interval.
func (a *Activator) Start() error {
	if _, err := a.cron.AddFunc(a.spec, a.sweep); err != nil {
		return err
	}
	a.cron.Start()
	a.logger.Info("Activation sweep started", "spec", a.spec)
	go a.sweep()
	return nil
}

// Stop halts the cron scheduler, waiting for a running sweep to finish.
func (a *Activator) Stop() {
	ctx := a.cron.Stop()
	<-ctx.Done()
	a.logger.Info("Activation sweep stopped")
}

func (a *Activator) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := a.svc.ActivateDue(ctx)
	if err != nil {
		a.logger.Error("Activation sweep failed", "error", err)
		return
	}
	if n > 0 {
		a.logger.Info("Activated scheduled campaigns", "count", n)
	}
}
