package report

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/libops/sweep/internal/engine"
)

var csvHeader = []string{"job", "run_id", "path", "kind", "id", "action", "reason", "error"}

// CSVSink writes one row per outcome, followed by one row per ambiguous
// decision with the action "ambiguous".
type CSVSink struct {
	// Path is created or truncated unless Writer is set.
	Path   string
	Writer io.Writer
}

// Name implements Sink.
func (s *CSVSink) Name() string { return "csv" }

// Deliver implements Sink.
func (s *CSVSink) Deliver(ctx context.Context, result *engine.Result) (err error) {
	w := s.Writer
	if w == nil {
		f, cerr := os.Create(s.Path)
		if cerr != nil {
			return fmt.Errorf("%w: create %s: %w", ErrSinkDeliveryFailed, s.Path, cerr)
		}
		defer func() {
			err = errors.Join(err, f.Close())
		}()
		w = f
	}
	if err := WriteCSV(w, result); err != nil {
		return fmt.Errorf("%w: csv: %w", ErrSinkDeliveryFailed, err)
	}
	return nil
}

// WriteCSV renders result as CSV with a header row.
func WriteCSV(w io.Writer, result *engine.Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	row := func(item engine.WorkItem, action, reason string, err error) error {
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		return cw.Write([]string{
			result.Job,
			result.RunID,
			item.Path(),
			item.Ref.Kind,
			item.Ref.ID,
			action,
			reason,
			msg,
		})
	}
	for _, o := range result.Outcomes {
		if err := row(o.Item, string(o.Action), o.Reason, o.Err); err != nil {
			return err
		}
	}
	for _, d := range result.Ambiguous {
		if err := row(d.Item, "ambiguous", d.Reason, d.Err); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
