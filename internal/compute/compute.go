// Package compute owns device detection and the backends that execute the
// search kernel: an OpenCL device backend when built with cgo, and a
// portable lane backend that schedules the same kernel across goroutine
// groups. Both consume the flat buffer layouts from internal/pack.
package compute

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/latticelabs/cubefit/internal/kernel"
	"github.com/latticelabs/cubefit/internal/pack"
	"github.com/latticelabs/cubefit/internal/puzzle"
)

// ErrUnavailable means no usable compute device was found.
var ErrUnavailable = errors.New("no usable compute device")

// ErrCapacity means the puzzle would exceed the device's limits. It is
// raised before any device memory is allocated.
var ErrCapacity = errors.New("puzzle exceeds device capacity")

// ShaderError reports a compute program that failed to build. The build log
// is surfaced for diagnostics and never parsed for recovery.
type ShaderError struct {
	Log string
}

func (e *ShaderError) Error() string {
	return fmt.Sprintf("compute program failed to build: %s", e.Log)
}

// ReadbackError reports a failed buffer copy from the device. It is fatal
// for the run.
type ReadbackError struct {
	Buffer string
}

func (e *ReadbackError) Error() string {
	return fmt.Sprintf("device readback of %s buffer failed", e.Buffer)
}

// Capability describes what the detected device can do.
type Capability struct {
	Supported        bool
	Reason           string // set when unsupported
	DeviceName       string
	MaxLanesPerGroup int
	MaxBufferBytes   uint64
}

// Prober answers capability queries. The orchestrator receives one at
// construction so tests can inject a fake device.
type Prober interface {
	Detect() Capability
}

// NewProber returns the real device prober. Detection runs once; the result
// is reused for every subsequent call, success or failure.
func NewProber() Prober {
	return &deviceProber{}
}

// CanHandle estimates the buffer bytes a run would need and rejects upfront
// if the estimate crosses 90% of the device's buffer limit or the group size
// exceeds the device's lane-per-group limit.
func CanHandle(cap Capability, c *puzzle.Compiled, laneCount, groupSize, solutionCap int) error {
	if !cap.Supported {
		return errors.Wrap(ErrUnavailable, cap.Reason)
	}
	if groupSize > cap.MaxLanesPerGroup {
		return errors.Wrapf(ErrCapacity, "group size %d exceeds device limit %d", groupSize, cap.MaxLanesPerGroup)
	}
	bucketEntries := 0
	for _, b := range c.Buckets {
		bucketEntries += len(b)
	}
	need := pack.EstimateBytes(c.NumCells, len(c.Embeddings), bucketEntries, laneCount, solutionCap)
	limit := cap.MaxBufferBytes / 10 * 9
	if need > limit {
		return errors.Wrapf(ErrCapacity, "estimated %d buffer bytes against a %d byte budget", need, limit)
	}
	return nil
}

// Backend executes dispatches against a fixed set of lanes. A dispatch runs
// every active lane to natural termination or budget exhaustion; it cannot
// be canceled mid-flight, only between dispatches.
type Backend interface {
	// Dispatch runs one budgeted pass over all lanes.
	Dispatch(ctx context.Context) error
	// ReadStats copies back the per-round aggregate counters.
	ReadStats(ctx context.Context) (pack.Stats, error)
	// ReadSolutions copies back and decodes every stored solution slot,
	// in discovery order.
	ReadSolutions(ctx context.Context) ([]pack.RawSolution, error)
	// Reset installs fresh checkpoints for a new round and clears the
	// round counters. Stored solutions persist for the life of the run.
	Reset(cps []kernel.Checkpoint) error
	// LaneCount reports how many lanes the backend schedules.
	LaneCount() int
	// Close releases all backend resources.
	Close()
}
