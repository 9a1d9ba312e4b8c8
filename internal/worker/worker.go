// Package worker owns the periodic push and pull cycles. Workers start
// once at init and stop through context cancellation; a running cycle is
// never cut mid-batch, it finishes and then the loop exits.
package worker

import (
	"context"
	"log"
	"time"

	"tillbridge/backend/internal/service"
)

type Runner struct {
	svc          *service.Service
	pushInterval time.Duration
	pullInterval time.Duration
	rateInterval time.Duration
	pushLimit    int
	pullLoops    int
	pageLimit    int
	cycleTimeout time.Duration
}

func New(svc *service.Service, pushInterval time.Duration, pullInterval time.Duration, pushLimit int, pullLoops int, pageLimit int) *Runner {
	if pushInterval <= 0 {
		pushInterval = 30 * time.Second
	}
	if pullInterval <= 0 {
		pullInterval = 5 * time.Minute
	}
	if pushLimit < 1 {
		pushLimit = 25
	}
	if pullLoops < 1 {
		pullLoops = 10
	}
	if pageLimit < 1 {
		pageLimit = 100
	}
	return &Runner{
		svc:          svc,
		pushInterval: pushInterval,
		pullInterval: pullInterval,
		rateInterval: 24 * time.Hour,
		pushLimit:    pushLimit,
		pullLoops:    pullLoops,
		pageLimit:    pageLimit,
		cycleTimeout: 2 * time.Minute,
	}
}

// Run blocks until ctx is cancelled. Each tick checks the idle gate
// first: live cashier sessions defer background sync entirely.
func (r *Runner) Run(ctx context.Context) {
	pushTicker := time.NewTicker(r.pushInterval)
	defer pushTicker.Stop()
	pullTicker := time.NewTicker(r.pullInterval)
	defer pullTicker.Stop()
	rateTicker := time.NewTicker(r.rateInterval)
	defer rateTicker.Stop()

	log.Printf("[worker] push every %s, pull every %s", r.pushInterval, r.pullInterval)

	// Seed exchange rates right away; the daily ticker only fires a full
	// interval after startup.
	r.rateCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("[worker] stopped")
			return
		case <-pushTicker.C:
			r.pushCycle(ctx)
		case <-pullTicker.C:
			r.pullCycle(ctx)
		case <-rateTicker.C:
			r.rateCycle(ctx)
		}
	}
}

// cycleContext detaches the batch from the runner's lifetime so a
// shutdown mid-batch lets the current batch drain; the timeout still
// bounds a hung remote.
func (r *Runner) cycleContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.cycleTimeout)
}

func (r *Runner) pushCycle(ctx context.Context) {
	if !r.svc.Idle(ctx) {
		return
	}
	cycleCtx, cancel := r.cycleContext()
	defer cancel()

	processed, err := r.svc.PushOutbox(cycleCtx, r.pushLimit)
	if err != nil {
		log.Printf("[push] WARN: cycle: %v", err)
		return
	}
	if processed > 0 {
		log.Printf("[push] posted %d outbox entries", processed)
	}
}

func (r *Runner) pullCycle(ctx context.Context) {
	if !r.svc.Idle(ctx) {
		return
	}
	cycleCtx, cancel := r.cycleContext()
	defer cancel()

	fetched := r.svc.SyncCycle(cycleCtx, r.pullLoops, r.pageLimit)
	if fetched > 0 {
		log.Printf("[pull] refreshed %d catalog records", fetched)
	}

	if n, err := r.svc.SyncCashiers(cycleCtx); err != nil {
		log.Printf("[pull] WARN: cashier sync: %v", err)
	} else if n > 0 {
		log.Printf("[pull] imported %d cashier accounts", n)
	}
}

func (r *Runner) rateCycle(_ context.Context) {
	cycleCtx, cancel := r.cycleContext()
	defer cancel()

	if n, err := r.svc.RefreshRates(cycleCtx); err != nil {
		log.Printf("[pull] WARN: rate refresh: %v", err)
	} else if n > 0 {
		log.Printf("[pull] refreshed %d exchange rates", n)
	}
}
