// Package engine walks paged collections, classifies every leaf, and applies
// a mutation to the selected items under a shared concurrency cap.
package engine

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Ref identifies one remote object.
type Ref struct {
	Kind string
	ID   string
	Name string
}

// Label returns the name of the object, falling back to its ID.
func (r Ref) Label() string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

// WorkItem is one leaf object discovered during enumeration.
// Parents are ordered root first. Raw must not be modified once the item
// has been classified.
type WorkItem struct {
	Parents []Ref
	Ref     Ref
	Raw     json.RawMessage
}

// Scope returns the root ancestor of the item (typically the project).
// Root-level items are their own scope.
func (w WorkItem) Scope() Ref {
	if len(w.Parents) == 0 {
		return w.Ref
	}
	return w.Parents[0]
}

// Parent returns the direct parent, or the zero Ref for root-level items.
func (w WorkItem) Parent() Ref {
	if len(w.Parents) == 0 {
		return Ref{}
	}
	return w.Parents[len(w.Parents)-1]
}

// Path renders the item's position in the tree, e.g. "project/team/member".
func (w WorkItem) Path() string {
	parts := make([]string, 0, len(w.Parents)+1)
	for _, p := range w.Parents {
		parts = append(parts, p.Label())
	}
	parts = append(parts, w.Ref.Label())
	return strings.Join(parts, "/")
}

// Get reads a field from the raw record using a gjson path.
func (w WorkItem) Get(path string) gjson.Result {
	return gjson.GetBytes(w.Raw, path)
}

// child builds the WorkItem for a record listed under w.
// The zero WorkItem acts as the root.
func (w WorkItem) child(kind string, raw json.RawMessage, idPath, namePath string) WorkItem {
	var parents []Ref
	if w.Ref != (Ref{}) {
		parents = make([]Ref, 0, len(w.Parents)+1)
		parents = append(parents, w.Parents...)
		parents = append(parents, w.Ref)
	}
	return WorkItem{
		Parents: parents,
		Ref: Ref{
			Kind: kind,
			ID:   gjson.GetBytes(raw, idPath).String(),
			Name: gjson.GetBytes(raw, namePath).String(),
		},
		Raw: raw,
	}
}

// Decision is the classifier's verdict on one item.
// A non-nil Err marks the decision as ambiguous; ambiguous items are never
// included.
type Decision struct {
	Item     WorkItem
	Included bool
	Reason   string
	Err      error
}

// Include returns a positive decision.
func Include(item WorkItem, reason string) Decision {
	return Decision{Item: item, Included: true, Reason: reason}
}

// Exclude returns a negative decision.
func Exclude(item WorkItem, reason string) Decision {
	return Decision{Item: item, Reason: reason}
}

// Ambiguous returns a negative decision carrying the classification error.
func Ambiguous(item WorkItem, reason string, err error) Decision {
	return Decision{Item: item, Reason: reason, Err: &ClassificationError{Path: item.Path(), Reason: reason, Err: err}}
}

// Action is what happened to an included item.
type Action string

const (
	ActionSkipped       Action = "skipped"
	ActionDryRun        Action = "dry-run-would-act"
	ActionMutated       Action = "mutated"
	ActionAlreadyAbsent Action = "already-absent"
	ActionFailed        Action = "failed"
)

// Outcome records the result of acting on one included item.
type Outcome struct {
	Item   WorkItem
	Action Action
	Reason string
	Err    error
}

// Succeeded reports whether the item ended in its desired state, or would
// have in a dry run.
func (o Outcome) Succeeded() bool {
	switch o.Action {
	case ActionMutated, ActionAlreadyAbsent, ActionDryRun:
		return true
	}
	return false
}

// Result is the aggregate of one run, handed to report sinks.
type Result struct {
	Job      string
	RunID    string
	DryRun   bool
	Outcomes []Outcome
	// Excluded counts items the classifier rejected, ambiguous ones included.
	Excluded  int
	Ambiguous []Decision
	// Failures holds subtree listing errors that were contained.
	Failures []error
	Started  time.Time
	Finished time.Time
}

// Count returns the number of outcomes with the given action.
func (r *Result) Count(a Action) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Action == a {
			n++
		}
	}
	return n
}

// Summary returns outcome counts keyed by action.
func (r *Result) Summary() map[Action]int {
	s := make(map[Action]int)
	for _, o := range r.Outcomes {
		s[o.Action]++
	}
	return s
}

// HasFailures reports whether any item or subtree failed.
func (r *Result) HasFailures() bool {
	return r.Count(ActionFailed) > 0 || len(r.Failures) > 0
}

func sortOutcomes(outcomes []Outcome) {
	sort.SliceStable(outcomes, func(i, j int) bool {
		pi, pj := outcomes[i].Item.Path(), outcomes[j].Item.Path()
		if pi != pj {
			return pi < pj
		}
		return outcomes[i].Item.Ref.ID < outcomes[j].Item.Ref.ID
	})
}

func sortDecisions(decisions []Decision) {
	sort.SliceStable(decisions, func(i, j int) bool {
		pi, pj := decisions[i].Item.Path(), decisions[j].Item.Path()
		if pi != pj {
			return pi < pj
		}
		return decisions[i].Item.Ref.ID < decisions[j].Item.Ref.ID
	})
}
