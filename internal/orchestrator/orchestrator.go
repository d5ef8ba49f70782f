// Package orchestrator implements the Test Orchestrator: it expands a SKU
// TestPlan into relay groups, drives the SMT Controller through them, and
// judges pass/fail per board against the plan's limits (spec.md §4.8).
package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/diodedynamics/fixturecore/internal/dispatch"
	"github.com/diodedynamics/fixturecore/internal/frame"
	"github.com/diodedynamics/fixturecore/internal/logging"
	"github.com/diodedynamics/fixturecore/internal/retry"
	"github.com/diodedynamics/fixturecore/internal/smt"
)

// State is a step of the orchestrator's state machine (spec.md §4.8).
// Transitions are total: every state has a defined next step, and an error
// always lands on Failed rather than leaving the machine stuck.
type State int

const (
	StateIdle State = iota
	StateSetup
	StatePerFunction
	StateAnalysis
	StateDone
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateSetup:
		return "Setup"
	case StatePerFunction:
		return "PerFunction"
	case StateAnalysis:
		return "Analysis"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	case StateCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Limits bounds a passing measurement (spec.md §3).
type Limits struct {
	VoltageMin float64
	VoltageMax float64
	CurrentMin float64
	CurrentMax float64
}

func (l Limits) satisfiedBy(m smt.RelayMeasurement) bool {
	return m.Present &&
		m.Voltage >= l.VoltageMin && m.Voltage <= l.VoltageMax &&
		m.Current >= l.CurrentMin && m.Current <= l.CurrentMax
}

// FunctionStep is one entry of a TestPlan: the relays it activates, the
// board each relay belongs to, and the pass/fail limits (spec.md §3).
type FunctionStep struct {
	Name         string
	RelayIndices []int
	RelayBoard   map[int]int // relay index -> board index
	DelayAfter   time.Duration
	Limits       Limits
}

// TestPlan is an ordered list of FunctionSteps derived from a SKU. Functions
// execute in declared order (spec.md §3).
type TestPlan []FunctionStep

// FailureReason names why a board failed one function.
type FailureReason string

const (
	FailureNone          FailureReason = ""
	FailureNoMeasurement FailureReason = "NoMeasurement"
	FailureOutOfLimits   FailureReason = "OutOfLimits"
)

// FunctionResult is one board's outcome for one function.
type FunctionResult struct {
	Measurement smt.RelayMeasurement
	Pass        bool
	Reason      FailureReason
}

// PanelResult is board_index -> function_name -> FunctionResult
// (spec.md §3).
type PanelResult map[int]map[string]FunctionResult

// Verdict reports whether every board passed every function.
func (r PanelResult) Verdict() bool {
	for _, functions := range r {
		for _, fr := range functions {
			if !fr.Pass {
				return false
			}
		}
	}
	return true
}

// Progress is one aggregate progress update (spec.md §4.8 step 5).
type Progress struct {
	State   State
	Percent int
}

// Run drives plan to completion on ctrl, publishing Progress updates
// through progress and returning the final PanelResult. cancelled is
// polled at each step boundary and on entry to each function; when it
// returns true the orchestrator performs all_off() and returns with
// StateCancelled (spec.md §4.8).
func Run(ctx context.Context, ctrl *smt.Controller, plan TestPlan, progress *dispatch.Dispatcher, cancelled func() bool) (PanelResult, State, error) {
	emit := func(st State, pct int) {
		if progress == nil {
			return
		}
		progress.Publish(frame.Frame{Kind: frame.KindEvent, Payload: progressPayload(st, pct)})
	}

	allOff := func() {
		if err := ctrl.AllOff(ctx); err != nil {
			logging.L().Error("orchestrator_all_off_failed", "error", err)
		}
	}

	emit(StateSetup, 0)
	voltage, err := ctrl.SupplyVoltage(ctx)
	if err != nil {
		allOff()
		return nil, StateFailed, fmt.Errorf("orchestrator: supply_voltage: %w", err)
	}
	if voltage < 5 || voltage > 20 {
		allOff()
		return nil, StateFailed, fmt.Errorf("%w: supply voltage %.2fV out of plausible range", retry.ErrValidation, voltage)
	}
	emit(StateSetup, 20)

	if cancelled() {
		allOff()
		emit(StateCancelled, 20)
		return nil, StateCancelled, nil
	}

	allOff()
	emit(StateSetup, 40)

	result := make(PanelResult)
	n := len(plan)
	for i, step := range plan {
		if cancelled() {
			allOff()
			emit(StateCancelled, 40+i*40/max1(n))
			return result, StateCancelled, nil
		}

		pct := 40 + (i*40)/max1(n)
		emit(StatePerFunction, pct)

		measurements, err := ctrl.TestPanel(ctx, step.RelayIndices)
		if err != nil {
			allOff()
			return result, StateFailed, fmt.Errorf("orchestrator: function %q: %w", step.Name, err)
		}

		for relay, m := range measurements {
			board, ok := step.RelayBoard[relay]
			if !ok {
				continue
			}
			boardResults, ok := result[board]
			if !ok {
				boardResults = make(map[string]FunctionResult)
				result[board] = boardResults
			}
			switch {
			case !m.Present:
				boardResults[step.Name] = FunctionResult{Measurement: m, Pass: false, Reason: FailureNoMeasurement}
			case step.Limits.satisfiedBy(m):
				boardResults[step.Name] = FunctionResult{Measurement: m, Pass: true, Reason: FailureNone}
			default:
				boardResults[step.Name] = FunctionResult{Measurement: m, Pass: false, Reason: FailureOutOfLimits}
			}
		}

		if step.DelayAfter > 0 {
			select {
			case <-time.After(step.DelayAfter):
			case <-ctx.Done():
				allOff()
				return result, StateCancelled, ctx.Err()
			}
		}
	}

	emit(StateAnalysis, 80)
	allOff()
	emit(StateAnalysis, 100)
	return result, StateDone, nil
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

var progressSeq uint32

func progressPayload(st State, pct int) string {
	seq := atomic.AddUint32(&progressSeq, 1)
	return fmt.Sprintf("PROGRESS:state=%s,percent=%d,seq=%d", st, pct, seq)
}
