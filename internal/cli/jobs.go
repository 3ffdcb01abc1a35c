package cli

import (
	"github.com/spf13/cobra"

	"github.com/libops/sweep/internal/engine"
	"github.com/libops/sweep/internal/jobs"
	"github.com/libops/sweep/internal/report"
	"github.com/libops/sweep/internal/validation"
)

func newPipelinesCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipelines",
		Short: "Disable build pipelines that have not run recently and move them to an archive folder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			days, _ := cmd.Flags().GetInt("inactive-days")
			folder, _ := cmd.Flags().GetString("archive-folder")
			job := jobs.InactivePipelines(a.client, a.gate, jobs.PipelineOptions{
				Project:       a.cfg.Project,
				InactiveDays:  days,
				ArchiveFolder: folder,
				Now:           nowFunc,
			})
			return a.run(cmd.Context(), job)
		},
	}
	cmd.Flags().Int("inactive-days", 365, "pipelines without builds for this many days are archived")
	cmd.Flags().String("archive-folder", "archive", "folder that archived pipelines are moved to")
	return cmd
}

func newTeamsCommand(a *app) *cobra.Command {
	d := engine.DefaultIdentityRule()
	cmd := &cobra.Command{
		Use:   "teams",
		Short: "Remove individual users from teams, keeping group memberships",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			rule := engine.DefaultIdentityRule()
			rule.UserMarkers, _ = flags.GetStringSlice("user-marker")
			rule.UserDescriptorPrefixes, _ = flags.GetStringSlice("user-descriptor-prefix")
			rule.GroupDescriptorPrefixes, _ = flags.GetStringSlice("group-descriptor-prefix")
			pageSize, _ := flags.GetInt("page-size")

			job := jobs.TeamMembers(a.client, a.gate, jobs.TeamOptions{
				Project:  a.cfg.Project,
				Rule:     rule,
				PageSize: pageSize,
			})
			return a.run(cmd.Context(), job)
		},
	}
	cmd.Flags().StringSlice("user-marker", d.UserMarkers, "substrings of a unique name that mark a human user")
	cmd.Flags().StringSlice("user-descriptor-prefix", d.UserDescriptorPrefixes, "descriptor prefixes that mark a human user")
	cmd.Flags().StringSlice("group-descriptor-prefix", d.GroupDescriptorPrefixes, "descriptor prefixes that mark a group or service identity")
	cmd.Flags().Int("page-size", 100, "members and teams requested per page")
	return cmd
}

func newApprovalsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Stop release creators from approving their own releases in the target environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			env, _ := flags.GetString("target-env")
			releaseURL, _ := flags.GetString("release-url")
			email, _ := flags.GetBool("email")

			opts := jobs.ApprovalOptions{Project: a.cfg.Project, TargetEnv: env}
			if releaseURL != "" {
				if err := validation.URL("release_url", releaseURL); err != nil {
					return err
				}
				opts.Release = a.client.WithBaseURL(releaseURL)
			}

			var extra []report.Sink
			if email {
				extra = append(extra, a.emailSink("Azure DevOps Release Approval Audit - Updated Releases"))
			}
			return a.run(cmd.Context(), jobs.ReleaseApprovals(a.client, a.gate, opts), extra...)
		},
	}
	cmd.Flags().String("target-env", "prod", "release environment to enforce, matched without regard to case")
	cmd.Flags().String("release-url", "", "release management URL, e.g. https://vsrm.dev.azure.com/<org> (defaults to the organization URL)")
	cmd.Flags().Bool("email", false, "email a summary of updated definitions to the project admins")
	return cmd
}
