//go:build !cgo

package compute

import (
	"github.com/pkg/errors"

	"github.com/latticelabs/cubefit/internal/kernel"
	"github.com/latticelabs/cubefit/internal/puzzle"
)

type deviceProber struct{}

func (p *deviceProber) Detect() Capability {
	return Capability{Reason: "GPU support not available (built without cgo)"}
}

// NewDeviceBackend always fails when GPU support is not compiled in.
func NewDeviceBackend(c *puzzle.Compiled, cps []kernel.Checkpoint, budget, groupSize, solutionCap int) (Backend, error) {
	return nil, errors.Wrap(ErrUnavailable, "built without cgo")
}
