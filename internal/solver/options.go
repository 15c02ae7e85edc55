package solver

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/latticelabs/cubefit/internal/puzzle"
)

// Options configures one solver run. The zero value of any field selects
// its default.
type Options struct {
	// PrefixDepth pins the tree-split depth; 0 lets the generator probe.
	PrefixDepth int
	// TargetPrefixCount is the wanted lane count. Default 100000.
	TargetPrefixCount int
	// LaneBudget is the fit-test budget per lane per dispatch. Capped so
	// a single dispatch stays under platform execution-time limits.
	// Default 4096, cap 65536.
	LaneBudget int
	// GroupSize is the lanes-per-group dispatch shape. Default 64.
	GroupSize int
	// MaxSolutions caps stored covers for the whole run. Default 1024.
	MaxSolutions int
	// Timeout is the wall-clock budget; 0 means none.
	Timeout time.Duration
	// StatusInterval spaces the periodic status events. Default 500ms.
	StatusInterval time.Duration
	// FallbackToCPU switches to the goroutine lane backend when no GPU
	// device is usable, instead of failing the run.
	FallbackToCPU bool
	// Seed drives prefix shuffling; 0 derives one from the clock. Runs
	// are reproducible given a seed.
	Seed uint64
	// MaxRounds is the restart safety cap. Default 1024.
	MaxRounds int
	// CompileTime is how long the caller's geometry compiler took, passed
	// through to the summary timing breakdown.
	CompileTime time.Duration
	// Logger receives structured progress logs; nil discards them.
	Logger *logrus.Entry
}

const (
	defaultTargetPrefixCount = 100_000
	defaultLaneBudget        = 4096
	maxLaneBudget            = 65_536
	defaultGroupSize         = 64
	defaultMaxSolutions      = 1024
	defaultStatusInterval    = 500 * time.Millisecond
	defaultMaxRounds         = 1024

	// stallDispatches ends a round when no lane makes node progress for
	// this many consecutive dispatches.
	stallDispatches = 3
)

func (o Options) withDefaults() Options {
	if o.TargetPrefixCount <= 0 {
		o.TargetPrefixCount = defaultTargetPrefixCount
	}
	if o.LaneBudget <= 0 {
		o.LaneBudget = defaultLaneBudget
	}
	if o.LaneBudget > maxLaneBudget {
		o.LaneBudget = maxLaneBudget
	}
	if o.GroupSize <= 0 {
		o.GroupSize = defaultGroupSize
	}
	if o.MaxSolutions <= 0 {
		o.MaxSolutions = defaultMaxSolutions
	}
	if o.StatusInterval <= 0 {
		o.StatusInterval = defaultStatusInterval
	}
	if o.MaxRounds <= 0 {
		o.MaxRounds = defaultMaxRounds
	}
	if o.Seed == 0 {
		o.Seed = uint64(time.Now().UnixNano())
	}
	if o.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		o.Logger = logrus.NewEntry(l)
	}
	return o
}

// Phase names the orchestrator's current stage.
type Phase string

const (
	PhaseProbe  Phase = "probe"
	PhasePrefix Phase = "prefix"
	PhaseSearch Phase = "search"
	PhaseDecode Phase = "decode"
	PhaseDone   Phase = "done"
)

// Reason is the terminal stop reason.
type Reason string

const (
	ReasonComplete Reason = "complete"
	ReasonCanceled Reason = "canceled"
	ReasonLimit    Reason = "limit"
	ReasonTimeout  Reason = "timeout"
	ReasonGPUError Reason = "gpu_error"
)

// Status is a periodic progress event.
type Status struct {
	Phase             Phase
	Nodes             uint64
	FitTests          uint64
	Solutions         uint64
	Elapsed           time.Duration
	PrefixesGenerated int
	FitTestsPerSecond float64
	RestartCount      int
}

// Solution is one accepted cover, decoded for the consumer.
type Solution struct {
	Placements []puzzle.Placement
}

// Timing is the per-phase breakdown reported in the summary.
type Timing struct {
	Compile       time.Duration
	PrefixGen     time.Duration
	Compute       time.Duration
	PrefixCount   int
	DispatchCount int
}

// Summary is the terminal event of a run.
type Summary struct {
	Solutions     int
	TotalNodes    uint64
	TotalFitTests uint64
	Elapsed       time.Duration
	Reason        Reason
	// Diagnostic carries the failure detail for gpu_error stops.
	Diagnostic string
	// Backend reports which compute path the run used: "gpu" or "cpu".
	// Empty when the run aborted before a backend was chosen.
	Backend string
	// Truncated is set when a prefix enumeration ceiling cut the search
	// frontier short: a "complete" stop with Truncated set means the
	// tree was not provably exhausted.
	Truncated bool
	Timing    Timing
}
