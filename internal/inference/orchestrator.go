package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lotas/tabgruppen/internal/applog"
)

// Options controls batching and retries.
type Options struct {
	// BatchSize caps the tabs per provider call. 0 sends all tabs at once.
	BatchSize int
	// Attempts is the total number of tries per batch, first one included.
	Attempts int
	// BaseDelay is the wait before the first retry. It doubles each retry.
	BaseDelay time.Duration
	// AttemptTimeout bounds a single provider call. A call that runs out
	// counts as a failed attempt. 0 means no limit.
	AttemptTimeout time.Duration
}

// DefaultOptions returns 3 attempts of at most 2 minutes with 1s, 2s, 4s
// backoff.
func DefaultOptions() Options {
	return Options{BatchSize: 20, Attempts: 3, BaseDelay: time.Second, AttemptTimeout: 2 * time.Minute}
}

// Suggestion is one proposed group with its resolved id.
type Suggestion struct {
	Name string
	// GroupID is the existing group's id, or a negative synthetic id for a
	// group that does not exist yet.
	GroupID         int
	ExistingGroupID *int
	TabIDs          []int
}

// Result is the outcome of one Generate call.
type Result struct {
	Suggestions []Suggestion
	// Ungrouped are tabs the model decided to leave alone.
	Ungrouped []int
	// Failed are tabs whose batch exhausted its retries.
	Failed []int
	Errors []error
}

// Err joins all batch errors, or returns nil.
func (r Result) Err() error {
	return errors.Join(r.Errors...)
}

// Orchestrator sends tabs to a Provider and turns the replies into
// validated, resolved suggestions.
type Orchestrator struct {
	provider Provider
	opts     Options

	mu    sync.RWMutex
	rules string
}

// New creates an orchestrator. A nil provider is allowed: every call then
// fails with a *ConfigError.
func New(p Provider, opts Options) *Orchestrator {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	return &Orchestrator{provider: p, opts: opts}
}

// Provider returns the configured backend, or nil.
func (o *Orchestrator) Provider() Provider {
	return o.provider
}

// SetRules replaces the custom rules. Providers holding a session built from
// the old rules are told to rebuild it.
func (o *Orchestrator) SetRules(rules string) {
	o.mu.Lock()
	changed := o.rules != rules
	o.rules = rules
	o.mu.Unlock()

	if !changed {
		return
	}
	if ra, ok := o.provider.(RulesAware); ok {
		ra.ResetSession(rules)
	}
	applog.Info("inference.rules", "bytes", len(rules))
}

// Rules returns the current custom rules.
func (o *Orchestrator) Rules() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.rules
}

// Generate asks the provider to group tabs. Failures never abort the call:
// tabs of a failed batch are listed in Result.Failed with the cause in
// Result.Errors.
func (o *Orchestrator) Generate(ctx context.Context, tabs []TabInput, groups []GroupInput) Result {
	var res Result
	if len(tabs) == 0 {
		return res
	}
	if o.provider == nil {
		res.Errors = append(res.Errors, &ConfigError{Reason: "no provider configured"})
		for _, t := range tabs {
			res.Failed = append(res.Failed, t.ID)
		}
		return res
	}

	rules := o.Rules()
	r := newResolver(groups)
	for _, batch := range o.batches(tabs) {
		req := BatchRequest{Tabs: batch, ExistingGroups: groups, Rules: rules}
		assignments, err := o.runBatch(ctx, req)
		if err != nil {
			applog.Error("inference.batch", err, "provider", o.provider.Name(), "tabs", len(batch))
			res.Errors = append(res.Errors, err)
			for _, t := range batch {
				res.Failed = append(res.Failed, t.ID)
			}
			continue
		}
		r.add(batch, assignments, &res)
	}
	res.Suggestions = r.suggestions()
	return res
}

func (o *Orchestrator) batches(tabs []TabInput) [][]TabInput {
	size := o.opts.BatchSize
	if size <= 0 || size >= len(tabs) {
		return [][]TabInput{tabs}
	}
	var out [][]TabInput
	for start := 0; start < len(tabs); start += size {
		end := min(start+size, len(tabs))
		out = append(out, tabs[start:end])
	}
	return out
}

// runBatch calls the provider with exponential backoff. Cancellation and
// configuration errors end the loop immediately.
func (o *Orchestrator) runBatch(ctx context.Context, req BatchRequest) ([]Assignment, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.opts.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = o.opts.BaseDelay << o.opts.Attempts
	b.MaxElapsedTime = 0

	var out []Assignment
	attempt := 0
	op := func() error {
		attempt++
		actx, cancel := ctx, context.CancelFunc(func() {})
		if o.opts.AttemptTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, o.opts.AttemptTimeout)
		}
		a, err := o.provider.Generate(actx, req)
		timedOut := actx.Err() != nil
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if timedOut {
				return fmt.Errorf("no answer within %s: %w", o.opts.AttemptTimeout, err)
			}
			if IsConfigError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = a
		return nil
	}
	notify := func(err error, wait time.Duration) {
		applog.Error("inference.retry", err,
			"provider", o.provider.Name(), "attempt", attempt, "wait", wait, "tabs", len(req.Tabs))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.opts.Attempts-1)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if IsConfigError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %d attempts: %w", o.provider.Name(), attempt, err)
	}
	return out, nil
}

// resolver maps group names to ids across all batches of one call.
type resolver struct {
	existing  map[string]int
	byName    map[string]*Suggestion
	order     []string
	nextSynth int
}

func newResolver(groups []GroupInput) *resolver {
	existing := make(map[string]int, len(groups))
	for _, g := range groups {
		if _, dup := existing[g.Name]; !dup {
			existing[g.Name] = g.ID
		}
	}
	return &resolver{
		existing:  existing,
		byName:    make(map[string]*Suggestion),
		nextSynth: -1,
	}
}

// add validates one batch's assignments and folds them into res. Ids not in
// the batch are dropped; a tab mentioned twice keeps its first assignment;
// tabs the model skipped count as ungrouped.
func (r *resolver) add(batch []TabInput, assignments []Assignment, res *Result) {
	pending := make(map[int]bool, len(batch))
	for _, t := range batch {
		pending[t.ID] = true
	}

	dropped := 0
	for _, a := range assignments {
		if !pending[a.TabID] {
			dropped++
			continue
		}
		delete(pending, a.TabID)

		name := ""
		if a.GroupName != nil {
			// Matching is exact after trimming: " Work" joins "Work".
			name = strings.TrimSpace(*a.GroupName)
		}
		if name == "" {
			res.Ungrouped = append(res.Ungrouped, a.TabID)
			continue
		}
		s := r.lookup(name)
		s.TabIDs = append(s.TabIDs, a.TabID)
	}
	if dropped > 0 {
		applog.Info("inference.dropped", "assignments", dropped)
	}

	for _, t := range batch {
		if pending[t.ID] {
			res.Ungrouped = append(res.Ungrouped, t.ID)
		}
	}
}

func (r *resolver) lookup(name string) *Suggestion {
	if s, ok := r.byName[name]; ok {
		return s
	}
	s := &Suggestion{Name: name}
	if id, ok := r.existing[name]; ok {
		s.GroupID = id
		s.ExistingGroupID = &id
	} else {
		s.GroupID = r.nextSynth
		r.nextSynth--
	}
	r.byName[name] = s
	r.order = append(r.order, name)
	return s
}

func (r *resolver) suggestions() []Suggestion {
	out := make([]Suggestion, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.byName[name])
	}
	return out
}
