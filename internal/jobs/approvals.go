package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/text/cases"

	"github.com/libops/sweep/internal/azdo"
	"github.com/libops/sweep/internal/engine"
)

const creatorCanApprove = "releaseCreatorCanBeApprover"

// ApprovalOptions configures the release approval job.
type ApprovalOptions struct {
	Project string
	// TargetEnv is the environment name to enforce, compared without regard
	// to case. Defaults to "prod".
	TargetEnv string
	// Release is the client for the release management host. Defaults to the
	// organization client.
	Release *azdo.Client
}

// ReleaseApprovals turns off "release creator can be approver" on the target
// environment of every release definition.
func ReleaseApprovals(c *azdo.Client, gate *engine.Gate, opts ApprovalOptions) engine.Job {
	if opts.TargetEnv == "" {
		opts.TargetEnv = "prod"
	}
	rc := opts.Release
	if rc == nil {
		rc = c
	}
	fold := cases.Fold()
	target := fold.String(opts.TargetEnv)
	matches := func(name string) bool { return fold.String(name) == target }

	return engine.Job{
		Name: ApprovalsJob,
		Levels: []engine.Level{
			projectLevel(c, gate, opts.Project),
			{
				Kind: "release-definition",
				Request: func(project engine.WorkItem) (string, url.Values) {
					return azdo.ReleaseDefinitionsPath(project.Ref.Name), nil
				},
				Paginator: engine.NewPaginator(rc, gate),
			},
		},
		Classifier: &engine.LookupClassifier{
			Gate: gate,
			Lookup: func(ctx context.Context, item engine.WorkItem) (json.RawMessage, error) {
				return rc.ReleaseDefinition(ctx, item.Scope().Name, item.Ref.ID)
			},
			Match: func(item engine.WorkItem) (bool, string) {
				return needsEnforcement(item, matches, opts.TargetEnv)
			},
		},
		Mutator: engine.MutatorFunc(func(ctx context.Context, item engine.WorkItem) error {
			patched, changed, err := patchDocument(item.Raw, func(def map[string]any) bool {
				return enforce(def, matches)
			})
			if err != nil {
				return err
			}
			if !changed {
				return fmt.Errorf("definition %s: %w", item.Ref.ID, engine.ErrAlreadyAbsent)
			}
			err = rc.UpdateReleaseDefinition(ctx, item.Scope().Name, item.Ref.ID, patched)
			if azdo.IsNotFound(err) {
				return fmt.Errorf("definition %s: %w", item.Ref.ID, engine.ErrAlreadyAbsent)
			}
			return err
		}),
	}
}

// needsEnforcement inspects a full release definition. A missing flag counts
// as enabled.
func needsEnforcement(item engine.WorkItem, matches func(string) bool, targetEnv string) (bool, string) {
	var found, withOptions, enabled []string
	item.Get("environments").ForEach(func(_, env gjson.Result) bool {
		name := env.Get("name").String()
		if !matches(name) {
			return true
		}
		found = append(found, name)
		opts := env.Get("preDeployApprovals.approvalOptions")
		if !opts.IsObject() {
			return true
		}
		withOptions = append(withOptions, name)
		if flag := opts.Get(creatorCanApprove); !flag.Exists() || flag.Bool() {
			enabled = append(enabled, name)
		}
		return true
	})

	switch {
	case len(found) == 0:
		return false, fmt.Sprintf("no %s environment", targetEnv)
	case len(withOptions) == 0:
		return false, fmt.Sprintf("environment %s has no approval options", strings.Join(found, ", "))
	case len(enabled) == 0:
		return false, "already enforced"
	}
	return true, fmt.Sprintf("%s enabled in %s", creatorCanApprove, strings.Join(enabled, ", "))
}

// enforce clears the flag on every matching environment and reports whether
// anything changed.
func enforce(def map[string]any, matches func(string) bool) bool {
	envs, _ := def["environments"].([]any)
	changed := false
	for _, e := range envs {
		env, ok := e.(map[string]any)
		if !ok {
			continue
		}
		name, _ := env["name"].(string)
		if !matches(name) {
			continue
		}
		opts := object(object(env, "preDeployApprovals"), "approvalOptions")
		if opts == nil {
			continue
		}
		if v, ok := opts[creatorCanApprove].(bool); ok && !v {
			continue
		}
		opts[creatorCanApprove] = false
		changed = true
	}
	return changed
}
