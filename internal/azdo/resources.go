package azdo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Endpoint paths, relative to the organization URL.

// ProjectsPath lists the organization's projects.
func ProjectsPath() string { return "_apis/projects" }

// ProjectPath addresses one project by name or ID.
func ProjectPath(project string) string {
	return "_apis/projects/" + url.PathEscape(project)
}

// BuildDefinitionsPath lists the build definitions of a project.
func BuildDefinitionsPath(project string) string {
	return url.PathEscape(project) + "/_apis/build/definitions"
}

// BuildDefinitionPath addresses one build definition.
func BuildDefinitionPath(project, id string) string {
	return BuildDefinitionsPath(project) + "/" + url.PathEscape(id)
}

// TeamsPath lists the teams of a project.
func TeamsPath(projectID string) string {
	return "_apis/projects/" + url.PathEscape(projectID) + "/teams"
}

// TeamMembersPath lists the members of a team.
func TeamMembersPath(projectID, teamID string) string {
	return url.PathEscape(projectID) + "/_apis/teams/" + url.PathEscape(teamID) + "/members"
}

// ReleaseDefinitionsPath lists the release definitions of a project.
func ReleaseDefinitionsPath(project string) string {
	return url.PathEscape(project) + "/_apis/release/definitions"
}

// ReleaseDefinitionPath addresses one release definition.
func ReleaseDefinitionPath(project, id string) string {
	return ReleaseDefinitionsPath(project) + "/" + url.PathEscape(id)
}

// HasBuildsSince reports whether the definition has run since the given time.
func (c *Client) HasBuildsSince(ctx context.Context, project, definitionID string, since time.Time) (bool, error) {
	query := url.Values{
		"definitions": {definitionID},
		"$top":        {"1"},
		"minTime":     {since.UTC().Format(time.RFC3339)},
	}
	var env listEnvelope
	if err := c.Get(ctx, url.PathEscape(project)+"/_apis/build/builds", query, &env); err != nil {
		return false, fmt.Errorf("list builds of definition %s: %w", definitionID, err)
	}
	return env.Count > 0 || len(env.Value) > 0, nil
}

// BuildDefinition fetches the full build definition document.
func (c *Client) BuildDefinition(ctx context.Context, project, id string) (json.RawMessage, error) {
	return c.GetRaw(ctx, BuildDefinitionPath(project, id), nil)
}

// UpdateBuildDefinition replaces a build definition.
func (c *Client) UpdateBuildDefinition(ctx context.Context, project, id string, def json.RawMessage) error {
	_, err := c.Put(ctx, BuildDefinitionPath(project, id), nil, def)
	return err
}

// FolderPath renders a folder name as a build folder path, e.g. `\archive`.
func FolderPath(name string) string {
	return `\` + strings.Trim(name, `\/`)
}

// EnsureFolder creates the build folder unless it already exists. It fails
// with ErrMultipleFolders when the path is ambiguous.
func (c *Client) EnsureFolder(ctx context.Context, project, name string) error {
	path := FolderPath(name)
	endpoint := url.PathEscape(project) + "/_apis/build/folders"

	var env struct {
		Value []struct {
			Path string `json:"path"`
		} `json:"value"`
	}
	if err := c.Get(ctx, endpoint, url.Values{"path": {path}}, &env); err != nil {
		return fmt.Errorf("look up folder %s: %w", path, err)
	}

	matches := 0
	for _, f := range env.Value {
		if strings.EqualFold(f.Path, path) {
			matches++
		}
	}
	switch {
	case matches == 1:
		return nil
	case matches > 1:
		return fmt.Errorf("%w: %d folders at %s in %s", ErrMultipleFolders, matches, path, project)
	}

	if _, err := c.Put(ctx, endpoint, url.Values{"path": {path}}, map[string]string{"path": path}); err != nil {
		return fmt.Errorf("create folder %s: %w", path, err)
	}
	return nil
}

// RemoveTeamMember removes an identity from a team.
func (c *Client) RemoveTeamMember(ctx context.Context, projectID, teamID, memberID string) error {
	_, err := c.Delete(ctx, TeamMembersPath(projectID, teamID)+"/"+url.PathEscape(memberID), nil)
	return err
}

// ReleaseDefinition fetches the full release definition document.
func (c *Client) ReleaseDefinition(ctx context.Context, project, id string) (json.RawMessage, error) {
	return c.GetRaw(ctx, ReleaseDefinitionPath(project, id), nil)
}

// UpdateReleaseDefinition replaces a release definition.
func (c *Client) UpdateReleaseDefinition(ctx context.Context, project, id string, def json.RawMessage) error {
	_, err := c.Put(ctx, ReleaseDefinitionPath(project, id), nil, def)
	return err
}

// Group is a graph group.
type Group struct {
	Descriptor    string `json:"descriptor"`
	DisplayName   string `json:"displayName"`
	PrincipalName string `json:"principalName"`
}

// Member is a graph group member.
type Member struct {
	Descriptor    string `json:"descriptor"`
	DisplayName   string `json:"displayName"`
	PrincipalName string `json:"principalName"`
	MailAddress   string `json:"mailAddress"`
}

// Project fetches one project by name or ID.
func (c *Client) Project(ctx context.Context, project string) (json.RawMessage, error) {
	raw, err := c.GetRaw(ctx, ProjectPath(project), nil)
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", project, err)
	}
	return raw, nil
}

// ProjectGroups lists the graph groups scoped to a project.
func (c *Client) ProjectGroups(ctx context.Context, project string) ([]Group, error) {
	var env struct {
		Value []Group `json:"value"`
	}
	err := c.Get(ctx, url.PathEscape(project)+"/_apis/graph/groups", url.Values{"scopeDescriptor": {"Project"}}, &env)
	if err != nil {
		return nil, fmt.Errorf("list groups of %s: %w", project, err)
	}
	return env.Value, nil
}

// GroupMembers lists the direct members of a graph group.
func (c *Client) GroupMembers(ctx context.Context, descriptor string) ([]Member, error) {
	var env struct {
		Value []Member `json:"value"`
	}
	if err := c.Get(ctx, "_apis/graph/groups/"+url.PathEscape(descriptor)+"/members", nil, &env); err != nil {
		return nil, fmt.Errorf("list members of group %s: %w", descriptor, err)
	}
	return env.Value, nil
}
