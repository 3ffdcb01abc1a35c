package jobs

import (
	"context"
	"fmt"
	"net/url"

	"github.com/libops/sweep/internal/azdo"
	"github.com/libops/sweep/internal/engine"
)

// TeamOptions configures the team cleanup job.
type TeamOptions struct {
	Project  string
	Rule     engine.IdentityRule
	PageSize int
}

// TeamMembers removes individual users from every team, leaving group
// memberships in place.
func TeamMembers(c *azdo.Client, gate *engine.Gate, opts TeamOptions) engine.Job {
	if opts.Rule.UniqueNamePath == "" && opts.Rule.DescriptorPath == "" {
		opts.Rule = engine.DefaultIdentityRule()
	}
	offset := engine.NewPaginator(&azdo.OffsetFetcher{Client: c, PageSize: opts.PageSize}, gate)

	return engine.Job{
		Name: TeamsJob,
		Levels: []engine.Level{
			projectLevel(c, gate, opts.Project),
			{
				Kind: "team",
				Request: func(project engine.WorkItem) (string, url.Values) {
					return azdo.TeamsPath(project.Ref.ID), nil
				},
				Paginator: offset,
			},
			{
				Kind: "member",
				Request: func(team engine.WorkItem) (string, url.Values) {
					return azdo.TeamMembersPath(team.Scope().ID, team.Ref.ID), nil
				},
				IDPath:    "identity.id",
				NamePath:  "identity.uniqueName",
				Paginator: offset,
			},
		},
		Classifier: &engine.IdentityClassifier{Rule: opts.Rule},
		Mutator: engine.MutatorFunc(func(ctx context.Context, item engine.WorkItem) error {
			err := c.RemoveTeamMember(ctx, item.Scope().ID, item.Parent().ID, item.Ref.ID)
			if azdo.IsNotFound(err) {
				return fmt.Errorf("member %s: %w", item.Ref.ID, engine.ErrAlreadyAbsent)
			}
			return err
		}),
	}
}
