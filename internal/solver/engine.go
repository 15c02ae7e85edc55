// Package solver hosts the round orchestrator: it owns the compute backend
// for the duration of a run, drives the dispatch/readback loop, restarts
// rounds with fresh prefix partitions, and reports progress and the final
// summary through channels.
package solver

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/latticelabs/cubefit/internal/compute"
	"github.com/latticelabs/cubefit/internal/kernel"
	"github.com/latticelabs/cubefit/internal/pack"
	"github.com/latticelabs/cubefit/internal/prefix"
	"github.com/latticelabs/cubefit/internal/puzzle"
)

// Engine coordinates one or more solver runs over a compiled puzzle. The
// compiled puzzle is read-only and may be shared between engines.
type Engine struct {
	puz    *puzzle.Compiled
	opts   Options
	prober compute.Prober
	log    *logrus.Entry

	mu     sync.Mutex
	cancel context.CancelFunc

	// backendHook overrides backend construction in tests; prefixHook
	// adjusts partition generation options in tests.
	backendHook func(useDevice bool, cps []kernel.Checkpoint) (compute.Backend, error)
	prefixHook  func(prefix.Options) prefix.Options
}

// New builds an engine. A nil prober selects the real device prober; tests
// inject fakes.
func New(puz *puzzle.Compiled, opts Options, prober compute.Prober) (*Engine, error) {
	if puz == nil {
		return nil, errors.New("nil puzzle")
	}
	if err := puz.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid puzzle")
	}
	if prober == nil {
		prober = compute.NewProber()
	}
	opts = opts.withDefaults()
	return &Engine{
		puz:    puz,
		opts:   opts,
		prober: prober,
		log:    opts.Logger,
	}, nil
}

// Start launches the run. The solutions channel receives each accepted
// cover in discovery order; the status channel receives periodic progress
// and drops updates the consumer is too slow for; the summary channel
// receives exactly one terminal event. All three close when the run ends.
func (e *Engine) Start(ctx context.Context) (<-chan Solution, <-chan Status, <-chan Summary) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	solCh := make(chan Solution, e.opts.MaxSolutions)
	statusCh := make(chan Status, 16)
	summaryCh := make(chan Summary, 1)

	go func() {
		defer cancel()
		defer close(solCh)
		defer close(statusCh)
		defer close(summaryCh)
		summaryCh <- e.run(ctx, solCh, statusCh)
	}()

	return solCh, statusCh, summaryCh
}

// Stop cancels a running search. The in-flight dispatch finishes first;
// cancellation takes effect at the next poll point.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

// run is the orchestration loop. It always returns a summary; every abort
// path carries a reason code and, where available, a diagnostic.
func (e *Engine) run(ctx context.Context, solCh chan<- Solution, statusCh chan<- Status) Summary {
	start := time.Now()
	timing := Timing{Compile: e.opts.CompileTime}
	var deadline time.Time
	if e.opts.Timeout > 0 {
		deadline = start.Add(e.opts.Timeout)
	}

	var (
		totalNodes  uint64
		totalFits   uint64
		totalSols   uint64
		restarts    int
		truncated   bool
		backendKind string
		lastStatus  time.Time
		lastPhase   Phase
	)

	// Phase transitions always go out; within a phase, updates are spaced
	// by the status interval.
	emit := func(phase Phase, prefixes int, round pack.Stats) {
		if phase == lastPhase && time.Since(lastStatus) < e.opts.StatusInterval {
			return
		}
		lastPhase = phase
		lastStatus = time.Now()
		elapsed := time.Since(start)
		fps := 0.0
		if s := elapsed.Seconds(); s > 0 {
			fps = float64(totalFits+round.FitTests) / s
		}
		select {
		case statusCh <- Status{
			Phase:             phase,
			Nodes:             totalNodes + round.Nodes,
			FitTests:          totalFits + round.FitTests,
			Solutions:         totalSols + uint64(round.Solutions),
			Elapsed:           elapsed,
			PrefixesGenerated: prefixes,
			FitTestsPerSecond: fps,
			RestartCount:      restarts,
		}:
		default:
			// Drop if the consumer is behind.
		}
	}

	fail := func(reason Reason, diag string) Summary {
		e.log.WithFields(logrus.Fields{"reason": reason, "diagnostic": diag}).Error("solver run aborted")
		return Summary{
			Solutions:     0,
			TotalNodes:    totalNodes,
			TotalFitTests: totalFits,
			Elapsed:       time.Since(start),
			Reason:        reason,
			Diagnostic:    diag,
			Backend:       backendKind,
			Truncated:     truncated,
			Timing:        timing,
		}
	}

	// Capability pre-flight.
	emit(PhaseProbe, 0, pack.Stats{})
	cap := e.prober.Detect()
	useDevice := cap.Supported
	if !useDevice {
		if !e.opts.FallbackToCPU {
			return fail(ReasonGPUError, cap.Reason)
		}
		e.log.WithField("reason", cap.Reason).Info("no GPU device, falling back to CPU lanes")
		cap = cpuCapability()
	}
	backendKind = "cpu"
	if useDevice {
		backendKind = "gpu"
	}
	e.log.WithFields(logrus.Fields{
		"device": cap.DeviceName,
		"lanes":  e.opts.TargetPrefixCount,
	}).Debug("capability probe passed")

	// Capacity pre-flight, before anything is allocated.
	if err := compute.CanHandle(cap, e.puz, e.opts.TargetPrefixCount, e.opts.GroupSize, e.opts.MaxSolutions); err != nil {
		return fail(ReasonGPUError, err.Error())
	}

	rng := rand.New(rand.NewPCG(e.opts.Seed, 0x9e3779b97f4a7c15))

	// Initial partition.
	emit(PhasePrefix, 0, pack.Stats{})
	t0 := time.Now()
	genOpts := prefix.Options{
		TargetDepth: e.opts.PrefixDepth,
		TargetCount: e.opts.TargetPrefixCount,
		Rand:        rng,
	}
	if e.prefixHook != nil {
		genOpts = e.prefixHook(genOpts)
	}
	pr, err := prefix.Generate(e.puz, genOpts)
	timing.PrefixGen += time.Since(t0)
	if err != nil {
		return fail(ReasonGPUError, err.Error())
	}
	truncated = pr.Capped
	timing.PrefixCount = len(pr.Prefixes)
	// Covers reached above the split depth belong to no lane; the
	// generator hands them straight to the host. Later rounds walk the
	// same shallow region, so they are collected once.
	preSolutions := pr.Solutions
	totalSols += uint64(len(preSolutions))

	e.log.WithFields(logrus.Fields{
		"prefixes": len(pr.Prefixes),
		"depth":    pr.Depth,
		"capped":   pr.Capped,
	}).Info("prefix partition generated")

	if len(pr.Prefixes) == 0 {
		// Nothing to split: either unsatisfiable or fully solved above
		// the split depth. Not an error.
		emitted := e.emitSolutions(solCh, preSolutions, nil)
		emit(PhaseDone, 0, pack.Stats{})
		return Summary{
			Solutions: emitted,
			Elapsed:   time.Since(start),
			Reason:    ReasonComplete,
			Backend:   backendKind,
			Truncated: truncated,
			Timing:    timing,
		}
	}

	laneCount := len(pr.Prefixes)
	// The partition can be far larger than the requested lane count, so
	// the capacity check runs again with the real one. Nothing has been
	// allocated on the device yet.
	if err := compute.CanHandle(cap, e.puz, laneCount, e.opts.GroupSize, e.opts.MaxSolutions); err != nil {
		return fail(ReasonGPUError, err.Error())
	}
	backend, err := e.newBackend(useDevice, checkpoints(pr.Prefixes))
	if err != nil {
		var shader *compute.ShaderError
		if errors.As(err, &shader) {
			return fail(ReasonGPUError, shader.Error())
		}
		return fail(ReasonGPUError, err.Error())
	}
	defer backend.Close()

	reason := ReasonComplete
	var diag string
	var round pack.Stats

rounds:
	for roundNum := 0; ; roundNum++ {
		roundCapped := pr.Capped
		stall := 0
		var prevNodes uint64
		firstDispatch := true

		for {
			// Poll point: cancellation, timeout and the solution cap
			// are only observed between dispatches.
			if ctx.Err() != nil {
				reason = ReasonCanceled
				break rounds
			}
			if !deadline.IsZero() && time.Now().After(deadline) {
				reason = ReasonTimeout
				break rounds
			}
			if totalSols+uint64(round.Solutions) >= uint64(e.opts.MaxSolutions) {
				reason = ReasonLimit
				break rounds
			}

			t := time.Now()
			if err := backend.Dispatch(ctx); err != nil {
				if ctx.Err() != nil {
					reason = ReasonCanceled
					break rounds
				}
				reason, diag = ReasonGPUError, err.Error()
				break rounds
			}
			timing.DispatchCount++
			st, err := backend.ReadStats(ctx)
			if err != nil {
				reason, diag = ReasonGPUError, err.Error()
				break rounds
			}
			timing.Compute += time.Since(t)
			round = st
			emit(PhaseSearch, laneCount, round)

			if int(st.LanesExhausted) >= laneCount {
				break // full exhaustion, round over
			}
			if !firstDispatch && st.Nodes == prevNodes {
				stall++
				if stall >= stallDispatches {
					e.log.WithField("round", roundNum).Warn("no lane progress, ending round early")
					break
				}
			} else {
				stall = 0
			}
			prevNodes = st.Nodes
			firstDispatch = false
		}

		// Fold the finished round into the running totals.
		totalNodes += round.Nodes
		totalFits += round.FitTests
		totalSols += uint64(round.Solutions)
		round = pack.Stats{}

		if totalSols >= uint64(e.opts.MaxSolutions) {
			reason = ReasonLimit
			break
		}
		if !roundCapped {
			// The partition covered the whole frontier and every lane
			// exhausted: the tree is searched. Restarting would replay it.
			reason = ReasonComplete
			break
		}
		if roundNum+1 >= e.opts.MaxRounds {
			reason = ReasonComplete
			break
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			reason = ReasonTimeout
			break
		}

		// Restart: reshuffle the partition so the next round carves
		// different territory, keeping the depth the first round chose.
		restarts++
		emit(PhasePrefix, laneCount, pack.Stats{})
		t0 = time.Now()
		genOpts = prefix.Options{
			TargetDepth: pr.Depth,
			TargetCount: e.opts.TargetPrefixCount,
			Rand:        rng,
		}
		if e.prefixHook != nil {
			genOpts = e.prefixHook(genOpts)
		}
		npr, err := prefix.Generate(e.puz, genOpts)
		timing.PrefixGen += time.Since(t0)
		if err != nil {
			reason, diag = ReasonGPUError, err.Error()
			break
		}
		truncated = truncated || npr.Capped
		pr = npr
		laneCount = len(pr.Prefixes)
		timing.PrefixCount += laneCount
		if laneCount == 0 {
			reason = ReasonComplete
			break
		}
		if err := compute.CanHandle(cap, e.puz, laneCount, e.opts.GroupSize, e.opts.MaxSolutions); err != nil {
			reason, diag = ReasonGPUError, err.Error()
			break
		}
		if err := backend.Reset(checkpoints(pr.Prefixes)); err != nil {
			reason, diag = ReasonGPUError, err.Error()
			break
		}
		e.log.WithFields(logrus.Fields{"round": roundNum + 1, "prefixes": laneCount}).Debug("round restarted")
	}

	// Fold a partial round on abort paths.
	totalNodes += round.Nodes
	totalFits += round.FitTests
	totalSols += uint64(round.Solutions)

	// Readback and decode. On device errors this is best effort; whatever
	// was stored before the failure is reported as-is.
	emit(PhaseDecode, laneCount, pack.Stats{})
	raws, rerr := backend.ReadSolutions(ctx)
	if rerr != nil && reason != ReasonGPUError && reason != ReasonCanceled {
		reason, diag = ReasonGPUError, rerr.Error()
	}
	emitted := e.emitSolutions(solCh, preSolutions, raws)

	e.log.WithFields(logrus.Fields{
		"reason":    reason,
		"solutions": emitted,
		"nodes":     totalNodes,
		"restarts":  restarts,
	}).Info("solver run finished")

	emit(PhaseDone, laneCount, pack.Stats{})
	return Summary{
		Solutions:     emitted,
		TotalNodes:    totalNodes,
		TotalFitTests: totalFits,
		Elapsed:       time.Since(start),
		Reason:        reason,
		Diagnostic:    diag,
		Backend:       backendKind,
		Truncated:     truncated,
		Timing:        timing,
	}
}

// emitSolutions decodes and delivers covers in discovery order, capped at
// the run's solution limit. Undecodable records are skipped, not fatal.
func (e *Engine) emitSolutions(solCh chan<- Solution, pre [][]uint32, raws []pack.RawSolution) int {
	emitted := 0
	deliver := func(choices []uint32) bool {
		if emitted >= e.opts.MaxSolutions {
			return false
		}
		placements, err := e.puz.Decode(choices)
		if err != nil {
			e.log.WithError(err).Warn("skipping undecodable solution record")
			return true
		}
		solCh <- Solution{Placements: placements}
		emitted++
		return true
	}
	for _, choices := range pre {
		if !deliver(choices) {
			return emitted
		}
	}
	for _, raw := range raws {
		if !deliver(raw.Choices) {
			return emitted
		}
	}
	return emitted
}

func (e *Engine) newBackend(useDevice bool, cps []kernel.Checkpoint) (compute.Backend, error) {
	if e.backendHook != nil {
		return e.backendHook(useDevice, cps)
	}
	if useDevice {
		return compute.NewDeviceBackend(e.puz, cps, e.opts.LaneBudget, e.opts.GroupSize, e.opts.MaxSolutions)
	}
	return compute.NewLaneBackend(e.puz, cps, e.opts.LaneBudget, e.opts.GroupSize, e.opts.MaxSolutions)
}

func checkpoints(prefixes []prefix.SearchPrefix) []kernel.Checkpoint {
	cps := make([]kernel.Checkpoint, len(prefixes))
	for i, p := range prefixes {
		cps[i] = kernel.NewCheckpoint(p.Cells, p.Pieces, p.Choices)
	}
	return cps
}

// cpuCapability is what the lane backend can take: bounded only by host
// memory, with a generous group limit.
func cpuCapability() compute.Capability {
	return compute.Capability{
		Supported:        true,
		DeviceName:       "cpu-lanes",
		MaxLanesPerGroup: 1024,
		MaxBufferBytes:   1 << 32,
	}
}
