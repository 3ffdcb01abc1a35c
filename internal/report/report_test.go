package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libops/sweep/internal/engine"
	"github.com/libops/sweep/internal/logging"
)

func item(project, kind, id, name string) engine.WorkItem {
	return engine.WorkItem{
		Parents: []engine.Ref{{Kind: "project", ID: project, Name: project}},
		Ref:     engine.Ref{Kind: kind, ID: id, Name: name},
		Raw:     []byte(`{}`),
	}
}

func sampleResult() *engine.Result {
	return &engine.Result{
		Job:   "pipelines",
		RunID: "run-1",
		Outcomes: []engine.Outcome{
			{Item: item("alpha", "pipeline", "1", "build-a"), Action: engine.ActionMutated, Reason: "inactive since 2024-01-01"},
			{Item: item("alpha", "pipeline", "2", "build-b"), Action: engine.ActionFailed, Err: errors.New("boom")},
			{Item: item("beta", "pipeline", "3", "build-c"), Action: engine.ActionAlreadyAbsent},
			{Item: item("beta", "pipeline", "4", "build-d"), Action: engine.ActionMutated},
		},
		Excluded: 2,
		Ambiguous: []engine.Decision{
			engine.Ambiguous(item("beta", "pipeline", "5", "build-e"), "missing createdDate", errors.New("no field")),
		},
		Started:  time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		Finished: time.Date(2025, 6, 1, 0, 1, 0, 0, time.UTC),
	}
}

type stubSink struct {
	name string
	err  error
	got  *engine.Result
}

func (s *stubSink) Name() string { return s.name }

func (s *stubSink) Deliver(_ context.Context, r *engine.Result) error {
	s.got = r
	return s.err
}

func TestDeliver(t *testing.T) {
	ok := &stubSink{name: "ok"}
	bad := &stubSink{name: "bad", err: errors.New("relay down")}
	after := &stubSink{name: "after"}
	result := sampleResult()

	errs := Deliver(context.Background(), result, ok, nil, bad, after)

	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrSinkDeliveryFailed)
	assert.Contains(t, errs[0].Error(), "bad")
	assert.Same(t, result, ok.got)
	assert.Same(t, result, after.got, "a failing sink must not stop later sinks")
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleResult()))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 6)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, []string{"pipelines", "run-1", "alpha/build-a", "pipeline", "1", "mutated", "inactive since 2024-01-01", ""}, rows[1])
	assert.Equal(t, "boom", rows[2][7])
	assert.Equal(t, "ambiguous", rows[5][5])
	assert.Contains(t, rows[5][7], "no field")
}

func TestCSVSinkWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	sink := &CSVSink{Path: path}

	require.NoError(t, sink.Deliver(context.Background(), sampleResult()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "job,run_id,path"))
}

func TestCSVSinkBadPath(t *testing.T) {
	sink := &CSVSink{Path: filepath.Join(t.TempDir(), "missing", "out.csv")}
	err := sink.Deliver(context.Background(), sampleResult())
	assert.ErrorIs(t, err, ErrSinkDeliveryFailed)
}

func TestAuditSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(logging.NewContextHandler(slog.NewJSONHandler(&buf, nil)))
	sink := &AuditSink{Logger: logger}
	// the run context already carries the run metadata
	ctx := logging.WithJob(logging.WithRunID(context.Background(), "run-1"), "pipelines")

	require.NoError(t, sink.Deliver(ctx, sampleResult()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	for _, line := range lines {
		assert.Equal(t, 1, strings.Count(line, `"run_id":"run-1"`), line)
		assert.Equal(t, 1, strings.Count(line, `"job":"pipelines"`), line)
		assert.LessOrEqual(t, strings.Count(line, `"scope"`), 1, line)
	}
	assert.Contains(t, lines[0], `"scope":"alpha"`)
	assert.Contains(t, lines[0], `"event":"item.mutated"`)
	assert.Contains(t, lines[1], `"event":"item.failed"`)
	assert.Contains(t, lines[1], `"error":"boom"`)
	assert.Contains(t, lines[2], `"event":"item.already_absent"`)
	assert.Contains(t, lines[4], `"event":"run.completed"`)
	assert.Contains(t, lines[4], `"excluded":2`)
}

func TestEventFor(t *testing.T) {
	tests := []struct {
		action engine.Action
		want   Event
	}{
		{engine.ActionMutated, ItemMutated},
		{engine.ActionAlreadyAbsent, ItemAlreadyAbsent},
		{engine.ActionFailed, ItemFailed},
		{engine.ActionDryRun, ItemDryRun},
		{engine.ActionSkipped, ItemSkipped},
	}
	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			assert.Equal(t, tt.want, EventFor(tt.action))
		})
	}
}
