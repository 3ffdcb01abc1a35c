// Package jobs wires Azure DevOps resources to the engine: one constructor per
// batch job.
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/libops/sweep/internal/azdo"
	"github.com/libops/sweep/internal/engine"
)

// Job names, as used on the command line and in reports.
const (
	PipelinesJob = "pipelines"
	TeamsJob     = "teams"
	ApprovalsJob = "approvals"
)

// projectLevel lists every project, or only the named one when project is
// set. The named project is read from the server so that an unreachable
// organization fails the root listing.
func projectLevel(c *azdo.Client, gate *engine.Gate, project string) engine.Level {
	level := engine.Level{
		Kind: "project",
		Request: func(engine.WorkItem) (string, url.Values) {
			return azdo.ProjectsPath(), nil
		},
	}
	if project == "" {
		return level
	}

	single := engine.PageFetcherFunc(func(ctx context.Context, _ engine.PageRequest) (engine.Page, error) {
		raw, err := c.Project(ctx, project)
		if err != nil {
			return engine.Page{}, err
		}
		return engine.Page{Items: []json.RawMessage{raw}}, nil
	})
	level.Paginator = engine.NewPaginator(single, gate)
	return level
}

// patchDocument decodes raw, applies edit and re-encodes the document. It
// reports false when edit made no change. Numbers are kept verbatim.
func patchDocument(raw json.RawMessage, edit func(doc map[string]any) bool) (json.RawMessage, bool, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, false, fmt.Errorf("decode document: %w", err)
	}
	if !edit(doc) {
		return raw, false, nil
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, false, fmt.Errorf("encode document: %w", err)
	}
	return out, true, nil
}

// object returns doc[key] as an object, or nil.
func object(doc map[string]any, key string) map[string]any {
	m, _ := doc[key].(map[string]any)
	return m
}
