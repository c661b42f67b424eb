package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"time"

	"bulk-mailer/config"
	"bulk-mailer/models"
	"bulk-mailer/preparer"
	"bulk-mailer/report"
	"bulk-mailer/service"
	"bulk-mailer/store"
	"bulk-mailer/tracker"
)

// runSend runs one bulk send in the foreground and returns the process exit code.
// Cancelling ctx stops the run before its next message.
func runSend(ctx context.Context, cfg *config.Config, args []string, stdout, stderr io.Writer, dial service.DialFunc) int {
	flags := flag.NewFlagSet("send", flag.ContinueOnError)
	flags.SetOutput(stderr)
	templateName := flags.String("template", "", "name of a saved template")
	recipientsPath := flags.String("recipients", "", "recipient list, .csv or one address per line")
	logPath := flags.String("log", "", "write the send log to this CSV file")
	delay := flags.String("delay", "", "pause between messages, e.g. 3s (default from config)")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if *templateName == "" || *recipientsPath == "" {
		fmt.Fprintln(stderr, "usage: bulk-mailer send -template NAME -recipients FILE [-log out.csv] [-delay 3s]")
		return 2
	}

	// Progress goes to stdout; only problems are logged.
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	if dial == nil {
		dial = service.SMTPDialer(logger)
	}

	planner := service.NewPlanner(cfg, store.NewTemplateStore(cfg.Send.TemplatesDir), preparer.New())
	params, skipped, err := planner.Plan(&models.RunRequest{
		Template:       *templateName,
		RecipientsFile: *recipientsPath,
		Delay:          *delay,
	})
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	if skipped > 0 {
		fmt.Fprintf(stdout, "skipped %d invalid addresses\n", skipped)
	}
	fmt.Fprintf(stdout, "sending %q to %d recipients via %s:%d\n", params.Template, params.Total, params.SMTP.Host, params.SMTP.Port)

	runs := tracker.NewTracker(ctx, service.NewWorker(dial, logger), 0, logger)
	run, err := runs.Submit(params, func(ev models.Event) {
		printEvent(stdout, ev)
	})
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	<-run.Done()
	// Waits for the observer to print the terminal event.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := runs.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		fmt.Fprintf(stderr, "error: %v\n", err)
	}

	if *logPath != "" {
		if err := report.WriteFile(*logPath, run.Results()); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "log written to %s\n", *logPath)
	}

	if run.State() == models.StateFatalError {
		return 1
	}
	return 0
}

func printEvent(w io.Writer, ev models.Event) {
	switch ev.Type {
	case models.EventProgress:
		fmt.Fprintf(w, "[%d/%d] %s\n", ev.Index, ev.Total, report.Line(*ev.Result))
	case models.EventTerminal:
		fmt.Fprintf(w, "%s: %d sent, %d failed, %d not attempted\n", ev.State, ev.Sent, ev.Failed, ev.NotAttempted)
		if ev.Error != "" {
			fmt.Fprintf(w, "error: %s\n", ev.Error)
		}
	}
}
