package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/smtp"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/libops/sweep/internal/azdo"
	"github.com/libops/sweep/internal/engine"
)

// DefaultAdminMarker is matched against group display names.
const DefaultAdminMarker = "Team Admin"

// SendFunc delivers one message. smtp.SendMail satisfies it.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Recipients chooses who receives the summary for a set of scopes.
type Recipients interface {
	Recipients(ctx context.Context, scopes []string) []string
}

// StaticRecipients always returns the same addresses.
type StaticRecipients []string

// Recipients implements Recipients.
func (s StaticRecipients) Recipients(context.Context, []string) []string {
	return slices.Clone(s)
}

// EmailConfig configures an EmailSink.
type EmailConfig struct {
	// Addr is the relay, host:port.
	Addr    string
	From    string
	Subject string
	Auth    smtp.Auth
	To      Recipients
	// MaxRetries bounds the attempts per recipient after the first.
	MaxRetries    uint64
	RetryInterval time.Duration
	Send          SendFunc
}

// EmailSink mails a plain-text summary of the updated items, one message per
// recipient. Nothing is sent when no item was updated.
type EmailSink struct {
	cfg EmailConfig
}

// NewEmailSink fills in defaults.
func NewEmailSink(cfg EmailConfig) *EmailSink {
	if cfg.Send == nil {
		cfg.Send = smtp.SendMail
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.Subject == "" {
		cfg.Subject = "Azure DevOps automation - updated items"
	}
	return &EmailSink{cfg: cfg}
}

// Name implements Sink.
func (s *EmailSink) Name() string { return "email" }

// Deliver implements Sink.
func (s *EmailSink) Deliver(ctx context.Context, result *engine.Result) error {
	changed := updates(result)
	if len(changed) == 0 {
		slog.InfoContext(ctx, "no updates to email, skipping")
		return nil
	}

	var scopes []string
	for _, o := range changed {
		scopes = append(scopes, o.Item.Scope().Label())
	}
	slices.Sort(scopes)
	scopes = slices.Compact(scopes)

	var to []string
	if s.cfg.To != nil {
		to = s.cfg.To.Recipients(ctx, scopes)
	}
	if len(to) == 0 {
		return fmt.Errorf("%w: email: no recipients", ErrSinkDeliveryFailed)
	}

	body := Summary(result, changed)
	var errs []error
	for _, rcpt := range to {
		if err := s.send(ctx, rcpt, body); err != nil {
			slog.ErrorContext(ctx, "giving up on email", "recipient", rcpt, "err", err)
			errs = append(errs, fmt.Errorf("send to %s: %w", rcpt, err))
			continue
		}
		slog.InfoContext(ctx, "email sent", "recipient", rcpt)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: email: %w", ErrSinkDeliveryFailed, errors.Join(errs...))
	}
	return nil
}

func (s *EmailSink) send(ctx context.Context, rcpt, body string) error {
	msg := s.message(rcpt, body)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, s.cfg.MaxRetries), ctx)

	return backoff.RetryNotify(func() error {
		return s.cfg.Send(s.cfg.Addr, s.cfg.Auth, s.cfg.From, []string{rcpt}, msg)
	}, policy, func(err error, wait time.Duration) {
		slog.WarnContext(ctx, "email send failed, retrying", "recipient", rcpt, "wait", wait, "err", err)
	})
}

func (s *EmailSink) message(rcpt, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", rcpt)
	fmt.Fprintf(&b, "Subject: %s\r\n", s.cfg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

// Summary renders the plain-text body listing the updated items.
func Summary(result *engine.Result, changed []engine.Outcome) string {
	var b strings.Builder
	b.WriteString("Hello Team,\n\n")
	if result.DryRun {
		fmt.Fprintf(&b, "The following items would be updated by the %s job (dry run):\n\n", result.Job)
	} else {
		fmt.Fprintf(&b, "The following items were updated by the %s job:\n\n", result.Job)
	}
	for _, o := range changed {
		fmt.Fprintf(&b, "- Project: %s | %s: %s", o.Item.Scope().Label(), o.Item.Ref.Kind, o.Item.Ref.Label())
		if o.Reason != "" {
			fmt.Fprintf(&b, " | %s", o.Reason)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nRun: %s\n\nRegards,\nDevOps Automation\n", result.RunID)
	return b.String()
}

// GroupDirectory lists graph groups and their members.
type GroupDirectory interface {
	ProjectGroups(ctx context.Context, project string) ([]azdo.Group, error)
	GroupMembers(ctx context.Context, descriptor string) ([]azdo.Member, error)
}

// AdminResolver finds the administrators of a project: the members of the
// first group whose display name contains Marker.
type AdminResolver struct {
	Directory GroupDirectory
	Marker    string
	Default   string
	Gate      *engine.Gate
}

// Resolve returns the principal names of the project's administrators. Any
// failure, or an empty result, yields the default address alone.
func (r *AdminResolver) Resolve(ctx context.Context, project string) []string {
	fallback := []string{r.Default}
	if r.Directory == nil {
		return fallback
	}
	marker := r.Marker
	if marker == "" {
		marker = DefaultAdminMarker
	}

	var names []string
	err := r.gated(ctx, func(ctx context.Context) error {
		groups, err := r.Directory.ProjectGroups(ctx, project)
		if err != nil {
			return err
		}
		idx := slices.IndexFunc(groups, func(g azdo.Group) bool {
			return strings.Contains(g.DisplayName, marker)
		})
		if idx < 0 {
			return nil
		}
		members, err := r.Directory.GroupMembers(ctx, groups[idx].Descriptor)
		if err != nil {
			return err
		}
		for _, m := range members {
			if m.PrincipalName != "" {
				names = append(names, m.PrincipalName)
			}
		}
		return nil
	})
	if err != nil {
		slog.WarnContext(ctx, "failed to resolve project admins, using default", "project", project, "err", err)
		return fallback
	}
	if len(names) == 0 {
		slog.DebugContext(ctx, "no project admins found, using default", "project", project)
		return fallback
	}
	return names
}

// Recipients implements Recipients. The union is sorted and deduplicated.
func (r *AdminResolver) Recipients(ctx context.Context, scopes []string) []string {
	var all []string
	for _, scope := range scopes {
		all = append(all, r.Resolve(ctx, scope)...)
	}
	slices.Sort(all)
	all = slices.Compact(all)
	return slices.DeleteFunc(all, func(s string) bool { return s == "" })
}

func (r *AdminResolver) gated(ctx context.Context, fn func(context.Context) error) error {
	if r.Gate == nil {
		return fn(ctx)
	}
	return r.Gate.Do(ctx, fn)
}
