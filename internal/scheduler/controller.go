package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/resident-x/go-sunsynk/internal/domain"
	"github.com/rs/zerolog"
)

// Reader executes read requests for one inverter.
type Reader interface {
	Read(ctx context.Context, req domain.ReadRequest) domain.ReadOutcome
	Limits() (maxBatch, allowGap int)
}

// Policy controls how ranges of a failed batch are re-read.
type Policy struct {
	// Retries is how many individual reads each range of a failed batch gets.
	Retries int
	// RetryDelay is waited before each individual read.
	RetryDelay time.Duration
}

// DefaultPolicy re-reads every range of a failed batch once, without delay.
func DefaultPolicy() Policy {
	return Policy{Retries: 1}
}

var errNotRead = errors.New("register range was not read")

// Controller runs polling cycles for one inverter.
type Controller struct {
	name   string
	reader Reader
	policy Policy
	logger zerolog.Logger
}

// NewController creates a controller for the inverter served by reader.
func NewController(name string, reader Reader, policy Policy, logger zerolog.Logger) *Controller {
	if policy.Retries < 0 {
		policy.Retries = 0
	}
	return &Controller{
		name:   name,
		reader: reader,
		policy: policy,
		logger: logger.With().Str("component", "controller").Str("inverter", name).Logger(),
	}
}

// Run reads every range once. Each range ends up either with its values or
// marked unavailable for this cycle. Reads stop when ctx ends; whatever is
// unresolved then is marked unavailable with the context error. A
// ConfigurationError aborts the cycle and is returned.
func (c *Controller) Run(ctx context.Context, ranges []domain.RegisterRange) (*domain.CycleResult, error) {
	result := domain.NewCycleResult(c.name)
	defer func() { result.Finished = time.Now() }()

	required := c.required(ranges, result)
	maxBatch, allowGap := c.reader.Limits()
	plan := Plan(required, maxBatch, allowGap)
	groups := Group(required, plan)
	replies := make([][]uint16, len(plan))

	c.logger.Debug().
		Int("ranges", len(required)).
		Int("requests", len(plan)).
		Msg("Planned cycle")

	for i, req := range plan {
		if err := ctx.Err(); err != nil {
			c.finish(result, required, groups, plan, replies, err)
			return result, nil
		}

		outcome := c.read(ctx, req, result)
		if outcome.OK() {
			replies[i] = outcome.Values
			continue
		}
		if domain.IsFatal(outcome.Err) {
			c.finish(result, required, groups, plan, replies, outcome.Err)
			return result, outcome.Err
		}

		affected := c.affected(i, required, groups, result)
		c.logger.Warn().
			Err(outcome.Err).
			Str("request", req.String()).
			Int("ranges", len(affected)).
			Msg("Batch read failed")
		if len(affected) > 1 {
			c.logger.Debug().Str("request", req.String()).Msg("Retrying individual registers")
		}

		for _, r := range affected {
			if err := c.fallback(ctx, r, maxBatch, outcome.Err, result); err != nil {
				c.finish(result, required, groups, plan, replies, err)
				return result, err
			}
		}
	}

	c.finish(result, required, groups, plan, replies, errNotRead)
	return result, nil
}

// required drops duplicate ranges and marks invalid ones unavailable.
func (c *Controller) required(ranges []domain.RegisterRange, result *domain.CycleResult) []domain.RegisterRange {
	seen := make(map[domain.RegisterRange]bool, len(ranges))
	out := make([]domain.RegisterRange, 0, len(ranges))
	for _, r := range ranges {
		if seen[r] {
			continue
		}
		seen[r] = true
		if err := r.Validate(); err != nil {
			result.MarkUnavailable(r, err)
			continue
		}
		out = append(out, r)
	}
	return out
}

// affected returns the unresolved ranges that depend on request idx.
func (c *Controller) affected(idx int, required []domain.RegisterRange, groups map[domain.RegisterRange][]int, result *domain.CycleResult) []domain.RegisterRange {
	var out []domain.RegisterRange
	for _, r := range required {
		if result.Resolved(r) {
			continue
		}
		for _, part := range groups[r] {
			if part == idx {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// fallback re-reads one range on its own up to policy.Retries times. Only a
// fatal error is returned; other failures mark the range unavailable.
func (c *Controller) fallback(ctx context.Context, r domain.RegisterRange, maxBatch int, batchErr error, result *domain.CycleResult) error {
	lastErr := batchErr

	for attempt := 1; attempt <= c.policy.Retries; attempt++ {
		if err := c.wait(ctx); err != nil {
			lastErr = err
			break
		}

		values, err := c.readRange(ctx, r, maxBatch, result)
		if err == nil {
			result.MarkAvailable(r, values)
			return nil
		}
		if domain.IsFatal(err) {
			return err
		}
		lastErr = err
		if !domain.IsRetryable(err) {
			break
		}
		c.logger.Debug().Err(err).Str("range", r.String()).Int("attempt", attempt).Msg("Individual read failed")
	}

	result.MarkUnavailable(r, lastErr)
	c.logger.Warn().Err(lastErr).Str("range", r.String()).Msg("Registers unavailable this cycle")
	return nil
}

func (c *Controller) wait(ctx context.Context) error {
	if c.policy.RetryDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(c.policy.RetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// readRange reads one range in as many requests as maxBatch requires.
func (c *Controller) readRange(ctx context.Context, r domain.RegisterRange, maxBatch int, result *domain.CycleResult) ([]uint16, error) {
	values := make([]uint16, 0, r.Count)
	for _, req := range Plan([]domain.RegisterRange{r}, maxBatch, 0) {
		outcome := c.read(ctx, req, result)
		if !outcome.OK() {
			return nil, outcome.Err
		}
		values = append(values, outcome.Values...)
	}
	return values, nil
}

func (c *Controller) read(ctx context.Context, req domain.ReadRequest, result *domain.CycleResult) domain.ReadOutcome {
	result.Requests++
	outcome := c.reader.Read(ctx, req)
	if outcome.Err == nil && len(outcome.Values) != int(req.Count) {
		outcome.Err = domain.NewFramingError("%d values for %s", len(outcome.Values), req)
	}
	return outcome
}

// finish resolves every range left open: from the batch replies when they
// cover it, otherwise as unavailable with cause.
func (c *Controller) finish(result *domain.CycleResult, required []domain.RegisterRange, groups map[domain.RegisterRange][]int, plan []domain.ReadRequest, replies [][]uint16, cause error) {
	for _, r := range required {
		if result.Resolved(r) {
			continue
		}
		if values, ok := assemble(r, groups[r], plan, replies); ok {
			result.MarkAvailable(r, values)
			continue
		}
		result.MarkUnavailable(r, fmt.Errorf("%s: %w", r, cause))
	}
}
