package service

import (
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"bulk-mailer/config"
	"bulk-mailer/models"
)

// RunParams describes one bulk send.
type RunParams struct {
	Template string
	Messages iter.Seq[models.PreparedMessage]
	Total    int
	SMTP     config.SMTPConfig
	Delay    time.Duration
}

// Run is the explicit context of a single bulk send. The worker is its only writer;
// any number of goroutines may read snapshots while it is running.
type Run struct {
	ID        string
	Template  string
	SMTP      config.SMTPConfig
	Delay     time.Duration
	Total     int
	CreatedAt time.Time

	messages iter.Seq[models.PreparedMessage]

	events     chan models.Event
	cancel     chan struct{}
	cancelOnce sync.Once
	done       chan struct{}

	mu         sync.RWMutex
	state      models.State
	results    []models.SendResult
	sent       int
	failed     int
	errMsg     string
	finishedAt time.Time
	changed    chan struct{}
}

func NewRun(p RunParams) *Run {
	if p.Messages == nil {
		p.Messages = func(func(models.PreparedMessage) bool) {}
	}
	return &Run{
		ID:        uuid.NewString(),
		Template:  p.Template,
		SMTP:      p.SMTP,
		Delay:     p.Delay,
		Total:     p.Total,
		CreatedAt: time.Now(),
		messages:  p.Messages,
		// Room for one progress event per message plus the terminal event,
		// so a slow observer never stalls the worker.
		events:  make(chan models.Event, p.Total+1),
		cancel:  make(chan struct{}),
		done:    make(chan struct{}),
		state:   models.StateIdle,
		results: make([]models.SendResult, 0, p.Total),
		changed: make(chan struct{}),
	}
}

// Events delivers one progress event per attempt and a final terminal event, then closes.
// It is meant for a single consumer.
func (r *Run) Events() <-chan models.Event { return r.events }

// Done is closed once the run has reached a terminal state.
func (r *Run) Done() <-chan struct{} { return r.done }

// Cancel asks the worker to stop before the next send. It reports false if the run had already finished
// or was cancelled before.
func (r *Run) Cancel() bool {
	if r.State().Terminal() {
		return false
	}
	cancelled := false
	r.cancelOnce.Do(func() {
		close(r.cancel)
		cancelled = true
	})
	return cancelled
}

func (r *Run) cancelRequested() bool {
	select {
	case <-r.cancel:
		return true
	default:
		return false
	}
}

func (r *Run) State() models.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Results returns a copy of the results recorded so far.
func (r *Run) Results() []models.SendResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.results)
}

// ResultsSince returns results from index from onward, the current state and a channel
// that is closed on the next change.
func (r *Run) ResultsSince(from int) ([]models.SendResult, models.State, <-chan struct{}) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.SendResult
	if from < len(r.results) {
		out = slices.Clone(r.results[from:])
	}
	return out, r.state, r.changed
}

func (r *Run) Summary(withResults bool) models.RunSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := models.RunSummary{
		ID:        r.ID,
		Template:  r.Template,
		State:     r.state,
		Total:     r.Total,
		Sent:      r.sent,
		Failed:    r.failed,
		Error:     r.errMsg,
		CreatedAt: r.CreatedAt,
	}
	if r.state.Terminal() {
		s.NotAttempted = r.Total - len(r.results)
		finished := r.finishedAt
		s.FinishedAt = &finished
	}
	if withResults {
		s.Results = slices.Clone(r.results)
	}
	return s
}

// notifyLocked wakes everyone waiting on the previous change channel. r.mu must be held.
func (r *Run) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

func (r *Run) setState(s models.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
	r.notifyLocked()
}

func (r *Run) record(res models.SendResult) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	if res.Status == models.StatusSent {
		r.sent++
	} else {
		r.failed++
	}
	r.notifyLocked()
	return len(r.results)
}

func (r *Run) finish(s models.State, err error) models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
	if err != nil {
		r.errMsg = err.Error()
	}
	r.finishedAt = time.Now()
	r.notifyLocked()

	return models.Event{
		Type:         models.EventTerminal,
		RunID:        r.ID,
		Total:        r.Total,
		State:        s,
		Error:        r.errMsg,
		Sent:         r.sent,
		Failed:       r.failed,
		NotAttempted: r.Total - len(r.results),
	}
}
