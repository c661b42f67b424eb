// Package tracker keeps the runs started by this process and follows their progress.
package tracker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"bulk-mailer/models"
	"bulk-mailer/report"
	"bulk-mailer/service"
	"bulk-mailer/utils"
)

// Observer receives every event of a run in order, on the tracker's observer goroutine.
type Observer func(models.Event)

type Tracker struct {
	ctx    context.Context
	worker *service.Worker
	logger *slog.Logger
	runs   *cache.Cache

	mu     sync.Mutex
	active *service.Run
	wg     sync.WaitGroup
}

// NewTracker creates a tracker whose runs stop when ctx is cancelled. Finished runs are forgotten
// after retention; a non-positive retention keeps them forever.
func NewTracker(ctx context.Context, worker *service.Worker, retention time.Duration, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = utils.NewNope()
	}
	var runs *cache.Cache
	if retention > 0 {
		runs = cache.New(retention, retention)
	} else {
		runs = cache.New(cache.NoExpiration, 0)
	}
	return &Tracker{
		ctx:    ctx,
		worker: worker,
		logger: logger,
		runs:   runs,
	}
}

// Submit starts a run in the background. Only one run may be active at a time.
func (t *Tracker) Submit(params service.RunParams, observers ...Observer) (*service.Run, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active != nil && !t.active.State().Terminal() {
		return nil, models.ErrRunActive
	}

	run := service.NewRun(params)
	t.active = run
	t.runs.Set(run.ID, run, cache.NoExpiration)

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		t.worker.Run(t.ctx, run)

		t.mu.Lock()
		if t.active == run {
			t.active = nil
		}
		t.mu.Unlock()
		t.runs.Set(run.ID, run, cache.DefaultExpiration)
	}()
	go func() {
		defer t.wg.Done()
		t.observe(run, observers)
	}()

	t.logger.Info("run submitted",
		slog.String("run_id", run.ID),
		slog.String("template", run.Template),
		slog.Int("total", run.Total))
	return run, nil
}

func (t *Tracker) observe(run *service.Run, observers []Observer) {
	logger := t.logger.With(slog.String("run_id", run.ID))
	for ev := range run.Events() {
		if ev.Type == models.EventProgress && ev.Result != nil {
			res := *ev.Result
			res.Recipient = utils.MaskEmail(res.Recipient)
			logger.Info(report.Line(res), slog.Int("index", ev.Index), slog.Int("total", ev.Total))
		}
		for _, fn := range observers {
			fn(ev)
		}
	}
}

func (t *Tracker) Get(id string) (*service.Run, error) {
	v, ok := t.runs.Get(id)
	if !ok {
		return nil, models.ErrRunNotFound
	}
	return v.(*service.Run), nil
}

// Active returns the run that is currently sending, or nil.
func (t *Tracker) Active() *service.Run {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil || t.active.State().Terminal() {
		return nil
	}
	return t.active
}

// List returns summaries of all retained runs, newest first.
func (t *Tracker) List() []models.RunSummary {
	items := t.runs.Items()
	out := make([]models.RunSummary, 0, len(items))
	for _, item := range items {
		out = append(out, item.Object.(*service.Run).Summary(false))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Cancel requests cancellation of a run. It reports false if the run had already finished
// or was cancelled before.
func (t *Tracker) Cancel(id string) (bool, error) {
	run, err := t.Get(id)
	if err != nil {
		return false, err
	}
	cancelled := run.Cancel()
	if cancelled {
		t.logger.Info("run cancellation requested", slog.String("run_id", id))
	}
	return cancelled, nil
}

// Shutdown cancels the active run and waits for its goroutines, or until ctx is done.
func (t *Tracker) Shutdown(ctx context.Context) error {
	if run := t.Active(); run != nil {
		run.Cancel()
	}
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
