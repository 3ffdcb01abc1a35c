package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/libops/sweep/internal/engine"
	"github.com/libops/sweep/internal/report"
)

// run executes job and hands the result to the configured sinks. Sink
// failures are logged only; with --fail-on-error, failed items turn into
// ErrRunFailed.
func (a *app) run(ctx context.Context, job engine.Job, extra ...report.Sink) error {
	runCtx, cancel := a.runContext(ctx)
	defer cancel()

	orch := engine.New(a.client, a.gate, engine.WithDryRun(a.cfg.DryRun))
	result, err := orch.Run(runCtx, job)
	if err != nil {
		return fmt.Errorf("%s: %w", job.Name, err)
	}

	sinks, closeSinks := a.sinks(ctx)
	defer closeSinks()
	report.Deliver(ctx, result, append(sinks, extra...)...)

	if a.cfg.PushgatewayURL != "" {
		if err := pushMetrics(ctx, a.cfg.PushgatewayURL, job.Name); err != nil {
			slog.WarnContext(ctx, "failed to push metrics", "url", a.cfg.PushgatewayURL, "err", err)
		}
	}

	if a.cfg.FailOnError && result.HasFailures() {
		return fmt.Errorf("%w: %d failed items, %d failed collections",
			ErrRunFailed, result.Count(engine.ActionFailed), len(result.Failures))
	}
	return nil
}

// sinks builds the sinks every job reports to.
func (a *app) sinks(ctx context.Context) ([]report.Sink, func()) {
	sinks := []report.Sink{&report.AuditSink{}}
	closer := func() {}

	if a.cfg.CSVPath != "" {
		sinks = append(sinks, &report.CSVSink{Path: a.cfg.CSVPath})
	}
	if a.cfg.EventsTopic != "" {
		sender, err := report.NewPubSubSender(ctx, a.cfg.EventsProject, a.cfg.EventsTopic)
		if err != nil {
			slog.ErrorContext(ctx, "events disabled", "topic", a.cfg.EventsTopic, "err", err)
		} else {
			sinks = append(sinks, &report.EventsSink{Client: report.NewPubSubCloudEventsClient(sender)})
			closer = func() {
				if err := sender.Close(); err != nil {
					slog.ErrorContext(ctx, "unable to close pubsub client", "err", err)
				}
			}
		}
	}
	return sinks, closer
}

// emailSink mails the summary to the admins of the projects that changed.
// It returns nil when no relay is configured.
func (a *app) emailSink(subject string) report.Sink {
	if a.cfg.SMTPAddr == "" {
		slog.Warn("email requested but no SMTP relay configured")
		return nil
	}
	cfg := report.EmailConfig{
		Addr:       a.cfg.SMTPAddr,
		From:       a.cfg.SMTPFrom,
		Subject:    subject,
		MaxRetries: 2,
		To: &report.AdminResolver{
			Directory: a.client,
			Marker:    a.cfg.AdminGroup,
			Default:   a.cfg.DefaultRecipient,
			Gate:      a.gate,
		},
	}
	if a.cfg.SMTPUser != "" {
		host, _, _ := net.SplitHostPort(a.cfg.SMTPAddr)
		cfg.Auth = smtp.PlainAuth("", a.cfg.SMTPUser, a.cfg.SMTPPassword, host)
	}
	return report.NewEmailSink(cfg)
}

func pushMetrics(ctx context.Context, url, job string) error {
	return push.New(url, "sweep").
		Gatherer(prometheus.DefaultGatherer).
		Grouping("command", job).
		PushContext(ctx)
}
