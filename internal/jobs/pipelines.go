package jobs

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/libops/sweep/internal/azdo"
	"github.com/libops/sweep/internal/engine"
)

// PipelineOptions configures the inactive pipeline job.
type PipelineOptions struct {
	// Project restricts the run to one project.
	Project       string
	InactiveDays  int
	ArchiveFolder string
	Now           func() time.Time
}

// InactivePipelines disables build pipelines that were created before the
// inactivity threshold and have not run since, and moves them into the
// archive folder, which is created once per project beforehand.
func InactivePipelines(c *azdo.Client, gate *engine.Gate, opts PipelineOptions) engine.Job {
	if opts.InactiveDays <= 0 {
		opts.InactiveDays = 365
	}
	if opts.ArchiveFolder == "" {
		opts.ArchiveFolder = "archive"
	}

	return engine.Job{
		Name: PipelinesJob,
		Levels: []engine.Level{
			projectLevel(c, gate, opts.Project),
			{
				Kind: "pipeline",
				Request: func(project engine.WorkItem) (string, url.Values) {
					return azdo.BuildDefinitionsPath(project.Ref.Name), nil
				},
			},
		},
		Classifier: &engine.AgeClassifier{
			CreatedPath: "createdDate",
			Threshold:   time.Duration(opts.InactiveDays) * 24 * time.Hour,
			Gate:        gate,
			Now:         opts.Now,
			Active: func(ctx context.Context, item engine.WorkItem, since time.Time) (bool, error) {
				return c.HasBuildsSince(ctx, item.Scope().Name, item.Ref.ID, since)
			},
		},
		Setup: &engine.Setup{
			Name: "archive-folder",
			Key:  func(item engine.WorkItem) string { return item.Scope().Name },
			Prepare: func(ctx context.Context, project string) error {
				return c.EnsureFolder(ctx, project, opts.ArchiveFolder)
			},
		},
		Mutator: disableAndArchive(c, azdo.FolderPath(opts.ArchiveFolder)),
	}
}

// disableAndArchive re-reads the definition, sets it disabled and moves it to
// folder. A definition that is gone or already disabled in folder counts as
// already absent.
func disableAndArchive(c *azdo.Client, folder string) engine.MutatorFunc {
	return func(ctx context.Context, item engine.WorkItem) error {
		project := item.Scope().Name
		raw, err := c.BuildDefinition(ctx, project, item.Ref.ID)
		if azdo.IsNotFound(err) {
			return fmt.Errorf("definition %s: %w", item.Ref.ID, engine.ErrAlreadyAbsent)
		}
		if err != nil {
			return err
		}

		patched, changed, err := patchDocument(raw, func(def map[string]any) bool {
			if def["queueStatus"] == "disabled" && def["path"] == folder {
				return false
			}
			def["queueStatus"] = "disabled"
			def["path"] = folder
			return true
		})
		if err != nil {
			return err
		}
		if !changed {
			return fmt.Errorf("definition %s already disabled: %w", item.Ref.ID, engine.ErrAlreadyAbsent)
		}
		return c.UpdateBuildDefinition(ctx, project, item.Ref.ID, patched)
	}
}
