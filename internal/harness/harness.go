package harness

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/roach88/ghcoord/internal/config"
	"github.com/roach88/ghcoord/internal/coord"
	"github.com/roach88/ghcoord/internal/errs"
	"github.com/roach88/ghcoord/internal/logging"
	"github.com/roach88/ghcoord/internal/testutil"
	"github.com/roach88/ghcoord/internal/value"
)

// Harness executes steps against one coordinator.
type Harness struct {
	coord  *coord.Coordinator
	logger *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh database in its own temp directory, with a
// step clock for created_at so repeated runs store identical rows. Mismatches
// are reported in Result.Errors; a storage failure aborts the run with an
// error.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "ghcoord-scenario-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)

	cfg := config.Default()
	cfg.Database.Path = filepath.Join(dir, "scenario.db")

	logger := logging.Discard()
	c, err := coord.Open(ctx, cfg, logger, coord.WithClock(testutil.NewStepClock().Now))
	if err != nil {
		return nil, fmt.Errorf("failed to open scenario database: %w", err)
	}
	defer c.Close()

	h := &Harness{coord: c, logger: logger}
	result := NewResult()
	for i := range scenario.Steps {
		if err := h.execute(ctx, i, &scenario.Steps[i], result); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, scenario.Steps[i].Op, err)
		}
	}
	return result, nil
}

// execute runs one step, appends its trace entry and checks expectations.
func (h *Harness) execute(ctx context.Context, i int, st *Step, result *Result) error {
	entry := TraceEntry{Step: i, Op: st.Op, Key: stepKey(st)}

	var opErr error
	switch st.Op {
	case OpAppend:
		payload := value.Value(value.Null{})
		if st.Payload.Set {
			payload = st.Payload.Value
		}
		opErr = h.coord.Append(ctx, st.Domain, st.Channel, st.ID, payload, st.Final)

	case OpUpdate:
		opErr = h.coord.Update(ctx, st.Domain, st.Item, st.Fragment.Value)
		if outcomeOf(opErr) != "" {
			current, err := h.coord.Dicts().Get(ctx, st.Domain, st.Item)
			if err != nil {
				return err
			}
			entry.Observed = current
		}

	case OpCheckAndSet:
		seen, err := h.coord.CheckAndSet(ctx, st.Domain, st.Item)
		opErr = err
		entry.Observed = value.Bool(seen)

	case OpReadChannel:
		msgs, err := h.coord.Channels().Messages(ctx, st.Domain, st.Channel, 0)
		opErr = err
		payloads := make(value.Array, len(msgs))
		for j, m := range msgs {
			payloads[j] = m.Payload
		}
		entry.Observed = payloads

	case OpReadDict:
		current, err := h.coord.Dicts().Get(ctx, st.Domain, st.Item)
		opErr = err
		entry.Observed = current
		if st.Path != "" && err == nil {
			found, ok := value.Lookup(current, st.Path)
			if ok {
				entry.Observed = found
			} else {
				entry.Observed = nil
				entry.Outcome = OutcomeMissing
			}
		}
	}

	outcome := outcomeOf(opErr)
	if outcome == "" {
		return opErr
	}
	if entry.Outcome == "" {
		entry.Outcome = outcome
	}
	result.AddTrace(entry)

	h.logger.Debug("scenario step", "step", i, "op", st.Op, "key", entry.Key, "outcome", entry.Outcome)

	label := fmt.Sprintf("steps[%d] %s %s", i, st.Op, entry.Key)
	if st.ExpectError != "" && outcome != st.ExpectError {
		result.AddError(fmt.Sprintf("%s: expected error %s, got %s", label, st.ExpectError, describeOutcome(outcome, opErr)))
	}
	if st.ExpectError == "" && outcome != OutcomeOK {
		result.AddError(fmt.Sprintf("%s: unexpected %s", label, describeOutcome(outcome, opErr)))
	}
	if st.Expect.Set {
		observed := entry.Observed
		if observed == nil {
			result.AddError(fmt.Sprintf("%s: expected %s, got %s", label, render(st.Expect.Value), entry.Outcome))
		} else if !value.Equal(observed, st.Expect.Value) {
			result.AddError(fmt.Sprintf("%s: expected %s, got %s", label, render(st.Expect.Value), render(observed)))
		}
	}
	return nil
}

// outcomeOf maps an operation error to a trace outcome. An empty string means
// the error is not a coordination outcome and must abort the run.
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errs.IsConflict(err):
		return OutcomeConflict
	case errs.IsClosed(err):
		return OutcomeClosed
	default:
		return ""
	}
}

func describeOutcome(outcome string, err error) string {
	if err == nil {
		return outcome
	}
	return fmt.Sprintf("%s (%v)", outcome, err)
}

func stepKey(st *Step) string {
	switch st.Op {
	case OpAppend, OpReadChannel:
		return st.Domain + "/" + st.Channel
	default:
		return st.Domain + "/" + st.Item
	}
}

func render(v value.Value) string {
	data, err := value.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("<%s>", value.Kind(v))
	}
	return string(data)
}
