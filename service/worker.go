package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bulk-mailer/config"
	"bulk-mailer/models"
	"bulk-mailer/notification"
	"bulk-mailer/utils"
)

// Session is an open transport session. Send returns *models.SendError for a rejected message
// and *models.TransportError when the session can no longer be used.
type Session interface {
	Send(ctx context.Context, msg *models.PreparedMessage) error
	Close() error
}

// DialFunc opens one authenticated session for cfg.
type DialFunc func(ctx context.Context, cfg config.SMTPConfig) (Session, error)

// SMTPDialer dials real SMTP servers through notification.Sender.
func SMTPDialer(logger *slog.Logger) DialFunc {
	return func(ctx context.Context, cfg config.SMTPConfig) (Session, error) {
		session, err := notification.NewSender(cfg, logger).Dial(ctx)
		if err != nil {
			return nil, err
		}
		return session, nil
	}
}

// Worker executes runs: one session per run, messages in order, one attempt each.
type Worker struct {
	dial   DialFunc
	logger *slog.Logger
	now    func() time.Time
}

func NewWorker(dial DialFunc, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = utils.NewNope()
	}
	return &Worker{
		dial:   dial,
		logger: logger,
		now:    time.Now,
	}
}

// Run executes run on the calling goroutine and returns its terminal state.
//
// Per-message failures are recorded and the loop continues. A transport failure stops the loop;
// the message that hit it and everything after it get no result. Cancellation is checked before
// every send and wakes the inter-message delay, but never interrupts a send in flight.
// Cancelling ctx is treated like Cancel.
func (w *Worker) Run(ctx context.Context, run *Run) models.State {
	defer close(run.done)
	defer close(run.events)

	logger := w.logger.With(slog.String("run_id", run.ID))

	if run.cancelRequested() || ctx.Err() != nil {
		return w.finish(logger, run, models.StateCancelled, nil)
	}

	run.setState(models.StateConnecting)
	session, err := w.dial(ctx, run.SMTP)
	if err != nil {
		if !models.IsFatal(err) {
			err = &models.TransportError{Op: "connect", Err: err}
		}
		return w.finish(logger, run, models.StateFatalError, err)
	}
	run.setState(models.StateSending)
	logger.Info("bulk send started",
		slog.Int("total", run.Total),
		slog.String("template", run.Template),
		slog.Duration("delay", run.Delay))

	state, fatalErr := w.sendAll(ctx, run, session)

	// Closed: the session is released before the terminal state is published.
	if cerr := session.Close(); cerr != nil {
		logger.Warn("failed to close smtp session", slog.String("error", cerr.Error()))
	}
	return w.finish(logger, run, state, fatalErr)
}

func (w *Worker) sendAll(ctx context.Context, run *Run, session Session) (models.State, error) {
	i := 0
	for msg := range run.messages {
		if i > 0 && !w.wait(ctx, run) {
			return models.StateCancelled, nil
		}
		if run.cancelRequested() || ctx.Err() != nil {
			return models.StateCancelled, nil
		}
		i++

		err := session.Send(ctx, &msg)
		if err != nil && models.IsFatal(err) {
			return models.StateFatalError, err
		}

		res := models.SendResult{
			Recipient: msg.To,
			Status:    models.StatusSent,
			Timestamp: w.now(),
		}
		if err != nil {
			res.Status = models.StatusFailed
			res.Error = sendErrorText(err)
		}
		index := run.record(res)
		w.emit(run, models.Event{
			Type:   models.EventProgress,
			RunID:  run.ID,
			Index:  index,
			Total:  run.Total,
			Result: &res,
		})
	}
	return models.StateCompleted, nil
}

// wait sleeps for the run's delay. It returns false if the run was cancelled meanwhile.
func (w *Worker) wait(ctx context.Context, run *Run) bool {
	if run.Delay <= 0 {
		return true
	}
	timer := time.NewTimer(run.Delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-run.cancel:
		return false
	case <-ctx.Done():
		return false
	}
}

func (w *Worker) finish(logger *slog.Logger, run *Run, state models.State, err error) models.State {
	ev := run.finish(state, err)
	w.emit(run, ev)

	attrs := []any{
		slog.String("state", string(state)),
		slog.Int("sent", ev.Sent),
		slog.Int("failed", ev.Failed),
		slog.Int("not_attempted", ev.NotAttempted),
	}
	if err != nil {
		logger.Error("bulk send halted", append(attrs, slog.String("error", err.Error()))...)
	} else {
		logger.Info("bulk send finished", attrs...)
	}
	return state
}

func (w *Worker) emit(run *Run, ev models.Event) {
	select {
	case run.events <- ev:
	default:
		w.logger.Warn("event dropped, observer is not keeping up",
			slog.String("run_id", run.ID),
			slog.String("type", string(ev.Type)))
	}
}

func sendErrorText(err error) string {
	var sendErr *models.SendError
	if errors.As(err, &sendErr) {
		return fmt.Sprint(sendErr.Err)
	}
	return err.Error()
}
