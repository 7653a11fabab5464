// Package extend drives an iterative extend-and-refine loop over a confirmed
// set of items.
//
// Each round samples a diverse, size-capped subset of the confirmed items,
// asks an Estimator for a refined candidate model built from that sample, and
// accepts the candidate only if it is plausible and does not make the error
// worse. Rejected candidates are retried with the next, weaker tier of a
// RetryLadder. Accepted candidates may grow the confirmed set through an
// UnknownItemFinder and are followed by a pruning pass that drops inaccurate
// items.
package extend

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/kwv/tudoslam/succession"
)

// Sample is the diverse subset handed to an Estimator. It is never empty.
type Sample struct {
	IDs    []ItemID
	Points [][]float64
}

// Estimator builds a candidate model from a sample. It must not mutate
// current; the returned model is owned by the Controller.
type Estimator[M any] interface {
	Estimate(ctx context.Context, sample Sample, current M, tier Tier) (M, error)
}

// Validator decides whether a candidate is physically sane at a tier.
type Validator[M any] interface {
	IsPlausible(candidate M, tier Tier) bool
}

// ErrorMetric scores a model against items; lower is better.
type ErrorMetric[M any] interface {
	Evaluate(model M, items []ItemID) float64
}

// Pruner finds confirmed items that are no longer accurate under a model
// and removes them from it.
type Pruner[M any] interface {
	FindInaccurate(model M, confirmed []ItemID) []ItemID
	Discard(model M, ids []ItemID) M
}

// UnknownItemFinder derives new items from an accepted candidate. The
// returned model may record the new items; the returned ids join the
// confirmed set.
type UnknownItemFinder[M any] interface {
	DeriveNew(ctx context.Context, candidate M, confirmed []ItemID, tier Tier) (M, []ItemID, error)
}

// PointSource converts an item into a point for diversity sampling.
// Items without a point are left out of the sample.
type PointSource[M any] interface {
	Point(model M, id ItemID) ([]float64, bool)
}

// Collaborators bundles the external services a Controller calls.
// Pruner and Finder are optional.
type Collaborators[M any] struct {
	Points    PointSource[M]
	Estimator Estimator[M]
	Validator Validator[M]
	Metric    ErrorMetric[M]
	Pruner    Pruner[M]
	Finder    UnknownItemFinder[M]
}

// Config tunes a Controller.
type Config struct {
	Name               string
	Ladder             RetryLadder
	SampleSize         int     // default 20
	ConvergenceEpsilon float64 // error changes up to this value count as unchanged
	PruneIterations    int     // default 1
	TargetCount        int     // confirmed items required to converge
	MinUsable          int     // Run fails below this many confirmed items
	MaxRounds          int     // default 10, used by Run

	Metrics *Metrics
	OnRound func(RoundReport)
}

const (
	defaultSampleSize      = 20
	defaultPruneIterations = 1
	defaultMaxRounds       = 10
)

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "extend"
	}
	if c.SampleSize <= 0 {
		c.SampleSize = defaultSampleSize
	}
	if c.PruneIterations <= 0 {
		c.PruneIterations = defaultPruneIterations
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = defaultMaxRounds
	}
	if c.ConvergenceEpsilon < 0 {
		c.ConvergenceEpsilon = 0
	}
}

// Controller owns a working model and the confirmed item set.
// It is not safe for concurrent use.
type Controller[M any] struct {
	cfg    Config
	collab Collaborators[M]

	model     M
	confirmed []ItemID
	known     map[ItemID]bool
	state     State
	improved  bool

	selector *succession.Subset[float64]
	reports  []RoundReport
}

// New creates a Controller around an initial model and confirmed set.
// An empty confirmed set leaves the controller in Seeding.
func New[M any](cfg Config, collab Collaborators[M], model M, confirmed []ItemID) (*Controller[M], error) {
	cfg.applyDefaults()
	if err := cfg.Ladder.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.Name, err)
	}
	switch {
	case collab.Points == nil:
		return nil, fmt.Errorf("%s: point source: %w", cfg.Name, ErrMissingCollaborator)
	case collab.Estimator == nil:
		return nil, fmt.Errorf("%s: estimator: %w", cfg.Name, ErrMissingCollaborator)
	case collab.Validator == nil:
		return nil, fmt.Errorf("%s: validator: %w", cfg.Name, ErrMissingCollaborator)
	case collab.Metric == nil:
		return nil, fmt.Errorf("%s: error metric: %w", cfg.Name, ErrMissingCollaborator)
	}

	c := &Controller[M]{
		cfg:    cfg,
		collab: collab,
		model:  model,
		known:  make(map[ItemID]bool),
		state:  Seeding,
	}
	c.Seed(confirmed)
	return c, nil
}

// Seed adds bootstrap items to the confirmed set.
func (c *Controller[M]) Seed(ids []ItemID) {
	c.confirmed = c.merge(c.confirmed, ids)
	if c.state == Seeding && len(c.confirmed) > 0 {
		c.state = Extending
	}
	c.cfg.Metrics.observeConfirmed(c.cfg.Name, len(c.confirmed))
}

// CurrentState returns the lifecycle state.
func (c *Controller[M]) CurrentState() State { return c.state }

// ConfirmedCount returns the number of confirmed items.
func (c *Controller[M]) ConfirmedCount() int { return len(c.confirmed) }

// Confirmed returns a copy of the confirmed items in confirmation order.
func (c *Controller[M]) Confirmed() []ItemID {
	out := make([]ItemID, len(c.confirmed))
	copy(out, c.confirmed)
	return out
}

// Model returns the current working model.
func (c *Controller[M]) Model() M { return c.model }

// Reports returns the reports of all executed rounds.
func (c *Controller[M]) Reports() []RoundReport {
	out := make([]RoundReport, len(c.reports))
	copy(out, c.reports)
	return out
}

// LastReport returns the report of the most recent round.
func (c *Controller[M]) LastReport() (RoundReport, bool) {
	if len(c.reports) == 0 {
		return RoundReport{}, false
	}
	return c.reports[len(c.reports)-1], true
}

// RunRound executes one round: sample, estimate, validate, compare, extend
// and prune, walking down the ladder until a tier is accepted.
// Cancelling ctx stops the ladder; the round then fails with Aborted set,
// leaving state and model untouched.
func (c *Controller[M]) RunRound(ctx context.Context) Outcome {
	start := time.Now()
	report := RoundReport{
		Controller: c.cfg.Name,
		Round:      len(c.reports) + 1,
		Outcome:    Failed,
		Tier:       -1,
	}
	defer func() {
		report.State = c.state
		report.Confirmed = len(c.confirmed)
		report.Duration = time.Since(start)
		c.finish(report)
	}()

	if c.state == Seeding {
		log.Printf("[EXTEND] %s: round %d skipped, no confirmed items", c.cfg.Name, report.Round)
		return Failed
	}
	if c.state.Terminal() {
		log.Printf("[EXTEND] %s: round %d skipped, already %s", c.cfg.Name, report.Round, c.state)
		return Failed
	}

	sample := c.sample()
	report.SampleIDs = sample.IDs
	errBefore := c.collab.Metric.Evaluate(c.model, c.confirmed)
	report.ErrorBefore = reportable(errBefore)
	report.ErrorAfter = report.ErrorBefore

	if len(sample.IDs) == 0 {
		log.Printf("[EXTEND] %s: round %d has no sampleable items", c.cfg.Name, report.Round)
		c.state = Exhausted
		return Failed
	}

	eps := c.cfg.ConvergenceEpsilon
	var (
		stable     M
		stableTier = -1
	)

	for i, tier := range c.cfg.Ladder {
		if ctx.Err() != nil {
			report.Aborted = true
			log.Printf("[EXTEND] %s: round %d aborted before tier %s", c.cfg.Name, report.Round, tier.Name)
			return Failed
		}

		attempt := Attempt{Tier: i, Name: tier.Name}
		record := func(r AttemptResult) {
			attempt.Result = r
			report.Attempts = append(report.Attempts, attempt)
			c.cfg.Metrics.observeAttempt(c.cfg.Name, tier.Name, r)
		}

		candidate, err := c.collab.Estimator.Estimate(ctx, sample, c.model, tier)
		if err != nil {
			record(AttemptEstimatorFailed)
			if ctx.Err() != nil {
				report.Aborted = true
				log.Printf("[EXTEND] %s: round %d aborted during tier %s", c.cfg.Name, report.Round, tier.Name)
				return Failed
			}
			continue
		}
		if !c.collab.Validator.IsPlausible(candidate, tier) {
			record(AttemptImplausible)
			continue
		}

		errCandidate := c.collab.Metric.Evaluate(candidate, c.confirmed)
		attempt.Error = reportable(errCandidate)
		if !(errCandidate <= errBefore+eps) {
			record(AttemptWorse)
			continue
		}

		var added []ItemID
		if c.collab.Finder != nil {
			var derived []ItemID
			candidate, derived, err = c.collab.Finder.DeriveNew(ctx, candidate, c.Confirmed(), tier)
			if err != nil {
				record(AttemptFinderFailed)
				continue
			}
			added = c.unknown(derived)
		}

		if len(added) == 0 && !(errBefore-errCandidate > eps) {
			record(AttemptStable)
			if stableTier < 0 {
				stable, stableTier = candidate, i
			}
			continue
		}

		record(AttemptImproved)
		c.commit(candidate, added, &report)
		report.Tier, report.TierName = i, tier.Name
		report.Outcome = Improved
		c.improved = true
		if len(added) > 0 {
			c.state = Extending
		} else {
			c.state = Stabilizing
		}
		return Improved
	}

	if stableTier >= 0 {
		c.commit(stable, nil, &report)
		report.Tier, report.TierName = stableTier, c.cfg.Ladder[stableTier].Name
		report.Outcome = Unchanged
		if len(c.confirmed) >= c.cfg.TargetCount {
			c.state = Converged
		} else {
			c.state = Exhausted
		}
		return Unchanged
	}

	c.state = Exhausted
	return Failed
}

// Run executes rounds until the controller reaches a terminal state, the
// round budget is spent, or ctx is cancelled. Partial progress is returned
// without error; an error is only returned when the controller was never
// seeded or ends with fewer than MinUsable confirmed items.
func (c *Controller[M]) Run(ctx context.Context) (Result[M], error) {
	if c.state == Seeding {
		return c.result(false), fmt.Errorf("%s: %w", c.cfg.Name, ErrNotSeeded)
	}

	aborted := false
	for rounds := 0; rounds < c.cfg.MaxRounds && !c.state.Terminal(); rounds++ {
		c.RunRound(ctx)
		if last, _ := c.LastReport(); last.Aborted {
			aborted = true
			break
		}
	}

	res := c.result(aborted)
	if !aborted && len(c.confirmed) < c.cfg.MinUsable {
		return res, fmt.Errorf("%s: %d confirmed items, need %d: %w", c.cfg.Name, len(c.confirmed), c.cfg.MinUsable, ErrExhausted)
	}
	return res, nil
}

func (c *Controller[M]) result(aborted bool) Result[M] {
	return Result[M]{
		Model:     c.model,
		Confirmed: c.Confirmed(),
		State:     c.state,
		Rounds:    len(c.reports),
		Reports:   c.Reports(),
		Aborted:   aborted,
		Partial:   c.state == Exhausted && c.improved,
	}
}

// sample refreshes the selector from the confirmed items and returns a
// diverse subset of at most SampleSize items.
func (c *Controller[M]) sample() Sample {
	ids := make([]ItemID, 0, len(c.confirmed))
	points := make([][]float64, 0, len(c.confirmed))
	dims := -1
	for _, id := range c.confirmed {
		p, ok := c.collab.Points.Point(c.model, id)
		if !ok {
			continue
		}
		if dims < 0 {
			dims = len(p)
		}
		if len(p) != dims {
			log.Printf("[EXTEND] %s: item %d has %d components, want %d, skipped", c.cfg.Name, id, len(p), dims)
			continue
		}
		if !finite(p) {
			log.Printf("[EXTEND] %s: item %d has a non-finite component, skipped", c.cfg.Name, id)
			continue
		}
		ids = append(ids, id)
		points = append(points, p)
	}
	if len(ids) == 0 {
		return Sample{}
	}

	if c.selector == nil || c.selector.Dimensions() != dims {
		c.selector = succession.New[float64](dims)
	}
	if err := c.selector.SetObjects(points); err != nil {
		// dimensions and non-finite points were filtered above
		panic(err)
	}

	indices := c.selector.SubsetOfSize(c.cfg.SampleSize)
	sample := Sample{IDs: make([]ItemID, len(indices)), Points: make([][]float64, len(indices))}
	for i, idx := range indices {
		sample.IDs[i] = ids[idx]
		sample.Points[i] = points[idx]
	}
	return sample
}

// commit adopts candidate, merges added items and runs the pruning passes.
func (c *Controller[M]) commit(candidate M, added []ItemID, report *RoundReport) {
	c.model = candidate
	c.confirmed = c.merge(c.confirmed, added)
	report.Added = added

	if c.collab.Pruner != nil {
		for i := 0; i < c.cfg.PruneIterations; i++ {
			inaccurate := c.members(c.collab.Pruner.FindInaccurate(c.model, c.Confirmed()))
			if len(inaccurate) == 0 {
				break
			}
			c.model = c.collab.Pruner.Discard(c.model, inaccurate)
			c.remove(inaccurate)
			report.Pruned = append(report.Pruned, inaccurate...)
		}
	}

	report.ErrorAfter = reportable(c.collab.Metric.Evaluate(c.model, c.confirmed))
}

func (c *Controller[M]) finish(report RoundReport) {
	c.reports = append(c.reports, report)
	c.cfg.Metrics.observeRound(report)

	tier := "-"
	if report.TierName != "" {
		tier = report.TierName
	}
	log.Printf("[EXTEND] %s: round %d %s at tier %s (+%d -%d, %d confirmed, error %.4g -> %.4g, state %s)",
		c.cfg.Name, report.Round, report.Outcome, tier, len(report.Added), len(report.Pruned),
		report.Confirmed, report.ErrorBefore, report.ErrorAfter, report.State)

	if c.cfg.OnRound != nil {
		c.cfg.OnRound(report)
	}
}

// merge appends the ids not yet confirmed.
func (c *Controller[M]) merge(dst, ids []ItemID) []ItemID {
	for _, id := range ids {
		if c.known[id] {
			continue
		}
		c.known[id] = true
		dst = append(dst, id)
	}
	return dst
}

// unknown filters ids down to distinct items not yet confirmed.
func (c *Controller[M]) unknown(ids []ItemID) []ItemID {
	var out []ItemID
	seen := make(map[ItemID]bool, len(ids))
	for _, id := range ids {
		if c.known[id] || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// members filters ids down to distinct confirmed items.
func (c *Controller[M]) members(ids []ItemID) []ItemID {
	var out []ItemID
	seen := make(map[ItemID]bool, len(ids))
	for _, id := range ids {
		if !c.known[id] || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func (c *Controller[M]) remove(ids []ItemID) {
	drop := make(map[ItemID]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
		delete(c.known, id)
	}
	kept := c.confirmed[:0]
	for _, id := range c.confirmed {
		if !drop[id] {
			kept = append(kept, id)
		}
	}
	c.confirmed = kept
}

// reportable maps non-finite errors to -1 so reports stay JSON encodable.
func finite(p []float64) bool {
	for _, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func reportable(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return -1
	}
	return v
}
