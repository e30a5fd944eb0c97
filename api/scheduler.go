/*
scheduler.go - Background job scheduler

PURPOSE:
  Runs the engine's recurring jobs on cron schedules:
  - Overdue sweep:  transitions past-due sent invoices to overdue
  - Penalty sweep:  applies and escalates late-payment penalties
  - Posting retry:  re-attempts invoices stuck in posting-pending

DESIGN:
  - robfig/cron drives the schedules; expressions come from config
  - Jobs share the same service layer as the HTTP handlers, so a manual
    admin-triggered sweep and a scheduled one behave identically
  - Each job run is logged with its outcome counts
  - One invoice's failure never aborts a sweep; failures land in the
    report and the log

USAGE:
  sched, err := api.NewScheduler(handler, api.Schedules{...})
  sched.Start()
  // ... later
  sched.Stop()

SEE ALSO:
  - handlers.go: Manual sweep endpoints (same underlying services)
  - engine/penalty.go: Sweep semantics
*/
package api

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/warp/premium-engine/engine"
)

// Schedules holds the cron expressions for the background jobs. An empty
// expression disables that job.
type Schedules struct {
	OverdueSweep string
	PenaltySweep string
	PostingRetry string
}

// Scheduler owns the cron runner for the engine's recurring jobs.
type Scheduler struct {
	Handler *Handler

	cron *cron.Cron
}

// NewScheduler wires the jobs onto a cron runner. Returns an error when a
// cron expression does not parse.
func NewScheduler(h *Handler, s Schedules) (*Scheduler, error) {
	sched := &Scheduler{
		Handler: h,
		cron:    cron.New(),
	}

	jobs := []struct {
		name string
		spec string
		run  func()
	}{
		{"overdue-sweep", s.OverdueSweep, sched.runOverdueSweep},
		{"penalty-sweep", s.PenaltySweep, sched.runPenaltySweep},
		{"posting-retry", s.PostingRetry, sched.runPostingRetry},
	}
	for _, j := range jobs {
		if j.spec == "" {
			log.Printf("[Scheduler] Job %s disabled", j.name)
			continue
		}
		if _, err := sched.cron.AddFunc(j.spec, j.run); err != nil {
			return nil, fmt.Errorf("invalid cron expression for %s: %w", j.name, err)
		}
	}
	return sched, nil
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Printf("[Scheduler] Started with %d jobs", len(s.cron.Entries()))
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Println("[Scheduler] Stopped")
}

// RunNow executes every job once, immediately. Used at startup so a
// restarted server catches up without waiting for the next cron tick.
func (s *Scheduler) RunNow() {
	s.runOverdueSweep()
	s.runPenaltySweep()
	s.runPostingRetry()
}

func (s *Scheduler) runOverdueSweep() {
	ctx, cancel := jobContext()
	defer cancel()

	n, err := s.Handler.Invoices.MarkOverdue(ctx, engine.Today())
	if err != nil {
		log.Printf("[Scheduler] Overdue sweep failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[Scheduler] Overdue sweep: %d invoices marked overdue", n)
	}
	s.updateGauges(ctx)
}

func (s *Scheduler) runPenaltySweep() {
	ctx, cancel := jobContext()
	defer cancel()

	start := time.Now()
	report, err := s.Handler.Penalties.Sweep(ctx, engine.Today())
	if err != nil {
		log.Printf("[Scheduler] Penalty sweep failed: %v", err)
		return
	}

	if m := s.Handler.Metrics; m != nil {
		m.SweepDuration.Observe(time.Since(start).Seconds())
		m.PenaltiesApplied.Add(float64(report.Applied))
		m.PenaltiesEscalated.Add(float64(report.Escalated))
	}
	log.Printf("[Scheduler] Penalty sweep: %d evaluated, %d applied, %d escalated, %d unchanged, %d failed",
		report.Evaluated, report.Applied, report.Escalated, report.Unchanged, len(report.Failures))
	for id, msg := range report.Failures {
		log.Printf("[Scheduler] Penalty sweep failure for invoice %s: %s", id, msg)
	}
}

func (s *Scheduler) runPostingRetry() {
	ctx, cancel := jobContext()
	defer cancel()

	posted, failed, err := s.Handler.Posting.RetryPending(ctx)
	if err != nil {
		log.Printf("[Scheduler] Posting retry failed: %v", err)
		return
	}
	if posted > 0 || len(failed) > 0 {
		log.Printf("[Scheduler] Posting retry: %d posted, %d still failing", posted, len(failed))
	}
}

// updateGauges refreshes the point-in-time metrics after a sweep.
func (s *Scheduler) updateGauges(ctx context.Context) {
	m := s.Handler.Metrics
	if m == nil {
		return
	}
	if overdue, err := s.Handler.Store.InvoicesByState(ctx, engine.InvoiceOverdue); err == nil {
		m.OverdueInvoices.Set(float64(len(overdue)))
	}
	if parked, err := s.Handler.Store.UnmatchedPayments(ctx); err == nil {
		m.UnmatchedPayments.Set(float64(len(parked)))
	}
}

func jobContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Minute)
}
