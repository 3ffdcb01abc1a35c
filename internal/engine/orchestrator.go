package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/libops/sweep/internal/logging"
)

// Level describes one tier of the collection tree.
type Level struct {
	// Kind names the objects at this level, e.g. "project".
	Kind string
	// Request builds the listing request for the children of parent. The
	// root level receives the zero WorkItem.
	Request func(parent WorkItem) (endpoint string, query url.Values)
	// IDPath and NamePath are gjson paths into each record. They default to
	// "id" and "name".
	IDPath   string
	NamePath string
	// Paginator overrides the orchestrator's paginator for this level.
	Paginator *Paginator
}

func (l Level) paths() (string, string) {
	id, name := l.IDPath, l.NamePath
	if id == "" {
		id = "id"
	}
	if name == "" {
		name = "name"
	}
	return id, name
}

// Setup is a step that must complete once per key before any mutation of the
// items sharing that key, e.g. creating a destination folder per project.
type Setup struct {
	Name    string
	Key     func(item WorkItem) string
	Prepare func(ctx context.Context, key string) error
}

// Job composes a collection tree with a classifier and a mutator.
// Classifier runs on every item of the last level.
type Job struct {
	Name       string
	Levels     []Level
	Classifier Classifier
	Mutator    Mutator
	Setup      *Setup
}

func (j *Job) validate() error {
	switch {
	case j.Name == "":
		return errors.New("job name is required")
	case len(j.Levels) == 0:
		return errors.New("job needs at least one level")
	case j.Classifier == nil:
		return errors.New("job classifier is required")
	case j.Mutator == nil:
		return errors.New("job mutator is required")
	case j.Setup != nil && (j.Setup.Key == nil || j.Setup.Prepare == nil):
		return errors.New("job setup needs Key and Prepare")
	}
	for i, l := range j.Levels {
		if l.Request == nil {
			return fmt.Errorf("level %d (%s) has no request builder", i, l.Kind)
		}
	}
	return nil
}

// State is the lifecycle position of an Orchestrator run.
type State int32

const (
	StateIdle State = iota
	StateEnumerating
	StateAwaitingMutations
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEnumerating:
		return "enumerating"
	case StateAwaitingMutations:
		return "awaiting-mutations"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Orchestrator drives a Job: it enumerates the tree, classifies the leaves,
// runs setup steps one at a time, then mutates the selected items
// concurrently. No single item or subtree failure stops the run.
type Orchestrator struct {
	paginator *Paginator
	gate      *Gate
	setupGate *Gate
	dryRun    bool
	runID     string
	now       func() time.Time
	state     atomic.Int32
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithDryRun toggles dry-run mode. In dry-run mode no setup step or mutation
// is executed.
func WithDryRun(dryRun bool) Option {
	return func(o *Orchestrator) { o.dryRun = dryRun }
}

// WithSetupGate replaces the capacity-1 gate that serializes setup steps.
func WithSetupGate(g *Gate) Option {
	return func(o *Orchestrator) { o.setupGate = g }
}

// WithRunID sets the run ID reported in the Result.
func WithRunID(id string) Option {
	return func(o *Orchestrator) { o.runID = id }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New returns an Orchestrator that lists collections through fetcher and
// bounds all outbound calls with gate.
func New(fetcher PageFetcher, gate *Gate, opts ...Option) *Orchestrator {
	if gate == nil {
		gate = NewGate("default", DefaultCapacity)
	}
	o := &Orchestrator{
		paginator: NewPaginator(fetcher, gate),
		gate:      gate,
		setupGate: NewGate("setup", 1),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// DryRun reports whether the orchestrator is in dry-run mode.
func (o *Orchestrator) DryRun() bool { return o.dryRun }

func (o *Orchestrator) setState(ctx context.Context, s State) {
	o.state.Store(int32(s))
	slog.DebugContext(ctx, "run state changed", "state", s.String())
}

// failures collects contained subtree errors from concurrent walkers.
type failures struct {
	mu   sync.Mutex
	errs []error
}

func (f *failures) add(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

// Run executes job and returns the aggregated result. It returns an error
// only when the job is invalid or the root collection cannot be listed at
// all; every other failure is recorded in the Result.
func (o *Orchestrator) Run(ctx context.Context, job Job) (*Result, error) {
	if err := job.validate(); err != nil {
		return nil, err
	}

	runID := o.runID
	if runID == "" {
		if id, ok := logging.GetRunID(ctx); ok {
			runID = id
		} else {
			runID = logging.GenerateRunID()
		}
	}
	ctx = logging.WithJob(logging.WithRunID(ctx, runID), job.Name)

	res := &Result{Job: job.Name, RunID: runID, DryRun: o.dryRun, Started: o.now()}
	slog.InfoContext(ctx, "run started", "dry_run", o.dryRun, "capacity", o.gate.Capacity())

	o.setState(ctx, StateEnumerating)
	fails := &failures{}
	decisions, listed, err := o.walk(ctx, &job, 0, WorkItem{}, fails)
	if err != nil {
		if listed == 0 {
			o.setState(ctx, StateDone)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			slog.ErrorContext(ctx, "root collection unreachable", "level", job.Levels[0].Kind, "err", err)
			return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
		}
		o.recordFailure(ctx, &job, 0, WorkItem{}, err, fails)
	}

	var included []Decision
	for _, d := range decisions {
		RecordDecision(job.Name, d)
		switch {
		case d.Included:
			included = append(included, d)
		case d.Err != nil:
			res.Excluded++
			res.Ambiguous = append(res.Ambiguous, d)
		default:
			res.Excluded++
		}
	}
	sortDecisions(included)
	sortDecisions(res.Ambiguous)
	slog.InfoContext(ctx, "enumeration complete",
		"included", len(included),
		"excluded", res.Excluded,
		"ambiguous", len(res.Ambiguous),
		"subtree_failures", len(fails.errs))

	setupErrs := o.prepare(ctx, &job, included)

	o.setState(ctx, StateAwaitingMutations)
	res.Outcomes = o.mutateAll(ctx, &job, included, setupErrs)
	sortOutcomes(res.Outcomes)
	res.Failures = fails.errs
	res.Finished = o.now()

	for _, out := range res.Outcomes {
		RecordOutcome(job.Name, out)
	}
	RecordRun(job.Name, o.dryRun, res.Started, res.Finished)
	o.setState(ctx, StateDone)

	summary := res.Summary()
	slog.InfoContext(ctx, "run finished",
		"duration", res.Finished.Sub(res.Started).String(),
		"mutated", summary[ActionMutated],
		"already_absent", summary[ActionAlreadyAbsent],
		"dry_run", summary[ActionDryRun],
		"skipped", summary[ActionSkipped],
		"failed", summary[ActionFailed])
	return res, nil
}

// walk lists the children of parent at depth and classifies or descends into
// each of them concurrently. It returns the listing error of this level, if
// any, together with the number of records listed before it; errors of
// deeper levels are recorded in fails.
func (o *Orchestrator) walk(ctx context.Context, job *Job, depth int, parent WorkItem, fails *failures) ([]Decision, int, error) {
	level := job.Levels[depth]
	endpoint, query := level.Request(parent)
	pag := level.Paginator
	if pag == nil {
		pag = o.paginator
	}
	idPath, namePath := level.paths()
	leaf := depth == len(job.Levels)-1

	p := pool.NewWithResults[[]Decision]().WithMaxGoroutines(o.gate.Capacity())
	listed := 0
	var listErr error
	for raw, err := range pag.Stream(ctx, endpoint, query) {
		if err != nil {
			listErr = err
			break
		}
		listed++
		item := parent.child(level.Kind, raw, idPath, namePath)
		p.Go(func() []Decision {
			ictx := ctx
			if depth == 0 {
				ictx = logging.WithScope(ctx, item.Ref.Label())
			}
			if leaf {
				d := job.Classifier.Classify(ictx, item)
				slog.DebugContext(ictx, "classified",
					"item", d.Item.Path(),
					"included", d.Included,
					"reason", d.Reason)
				return []Decision{d}
			}
			ds, _, err := o.walk(ictx, job, depth+1, item, fails)
			if err != nil {
				o.recordFailure(ictx, job, depth+1, item, err, fails)
			}
			return ds
		})
	}

	var out []Decision
	for _, ds := range p.Wait() {
		out = append(out, ds...)
	}
	return out, listed, listErr
}

func (o *Orchestrator) recordFailure(ctx context.Context, job *Job, depth int, parent WorkItem, err error, fails *failures) {
	kind := job.Levels[depth].Kind
	where := "root"
	if parent.Ref != (Ref{}) {
		where = parent.Path()
	}
	slog.ErrorContext(ctx, "listing failed, subtree skipped", "level", kind, "parent", where, "err", err)
	RecordSubtreeFailure(job.Name, kind)
	fails.add(fmt.Errorf("list %s under %s: %w", kind, where, err))
}

// prepare runs the job's setup step once per distinct key, strictly one at a
// time, and returns the errors keyed by setup key.
func (o *Orchestrator) prepare(ctx context.Context, job *Job, included []Decision) map[string]error {
	if job.Setup == nil || len(included) == 0 {
		return nil
	}

	var keys []string
	for _, d := range included {
		keys = append(keys, job.Setup.Key(d.Item))
	}
	slices.Sort(keys)
	keys = slices.Compact(keys)

	errs := make(map[string]error)
	for _, key := range keys {
		if o.dryRun {
			slog.InfoContext(ctx, "dry run, would prepare", "setup", job.Setup.Name, "key", key)
			continue
		}
		err := o.setupGate.Do(ctx, func(ctx context.Context) error {
			return o.gate.Do(ctx, func(ctx context.Context) error {
				return job.Setup.Prepare(context.WithoutCancel(ctx), key)
			})
		})
		if err != nil {
			slog.ErrorContext(ctx, "setup failed", "setup", job.Setup.Name, "key", key, "err", err)
			errs[key] = fmt.Errorf("%w: %s %s: %w", ErrSetupFailed, job.Setup.Name, key, err)
			continue
		}
		slog.InfoContext(ctx, "setup complete", "setup", job.Setup.Name, "key", key)
	}
	return errs
}

// mutateAll schedules a mutation for every included item. Once ctx is done
// no further mutation is scheduled; those already running are awaited.
func (o *Orchestrator) mutateAll(ctx context.Context, job *Job, included []Decision, setupErrs map[string]error) []Outcome {
	outcomes := make([]Outcome, 0, len(included))
	p := pool.NewWithResults[Outcome]().WithMaxGoroutines(o.gate.Capacity())
	for _, d := range included {
		item := d.Item
		if err := ctx.Err(); err != nil {
			outcomes = append(outcomes, Outcome{Item: item, Action: ActionSkipped, Reason: "cancelled", Err: err})
			continue
		}
		if job.Setup != nil {
			if err, ok := setupErrs[job.Setup.Key(item)]; ok {
				outcomes = append(outcomes, Outcome{Item: item, Action: ActionFailed, Reason: "setup failed", Err: err})
				continue
			}
		}
		p.Go(func() Outcome {
			out := Apply(logging.WithScope(ctx, item.Scope().Label()), o.gate, job.Mutator, item, o.dryRun)
			if out.Reason == "" {
				out.Reason = d.Reason
			}
			return out
		})
	}
	return append(outcomes, p.Wait()...)
}
