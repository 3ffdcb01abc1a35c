package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextHandler(t *testing.T) {
	tests := []struct {
		name     string
		ctx      func() context.Context
		contains []string
		excludes []string
	}{
		{
			name:     "no values",
			ctx:      context.Background,
			excludes: []string{"run_id=", "job=", "scope="},
		},
		{
			name: "run and job",
			ctx: func() context.Context {
				return WithJob(WithRunID(context.Background(), "run-1"), "teams")
			},
			contains: []string{"run_id=run-1", "job=teams"},
			excludes: []string{"scope="},
		},
		{
			name: "scope",
			ctx: func() context.Context {
				return WithScope(context.Background(), "alpha")
			},
			contains: []string{"scope=alpha"},
		},
		{
			name: "empty values are skipped",
			ctx: func() context.Context {
				return WithScope(context.Background(), "")
			},
			excludes: []string{"scope="},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(NewContextHandler(slog.NewTextHandler(&buf, nil)))
			logger.InfoContext(tt.ctx(), "hello")

			out := buf.String()
			for _, s := range tt.contains {
				assert.Contains(t, out, s)
			}
			for _, s := range tt.excludes {
				assert.NotContains(t, out, s)
			}
		})
	}
}

func TestContextHandlerWithAttrsKeepsContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewContextHandler(slog.NewTextHandler(&buf, nil))).With("component", "engine")
	logger.InfoContext(WithRunID(context.Background(), "abc"), "hello")

	assert.Contains(t, buf.String(), "component=engine")
	assert.Contains(t, buf.String(), "run_id=abc")
}

func TestRunID(t *testing.T) {
	id := GenerateRunID()
	require.Len(t, id, 36)

	got, ok := GetRunID(WithRunID(context.Background(), id))
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = GetRunID(context.Background())
	assert.False(t, ok)
}
