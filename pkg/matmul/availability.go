// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package matmul

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/stagemm/pkg/matmul/config"
	"github.com/gomlx/stagemm/pkg/matmul/tensor"
	"github.com/gomlx/stagemm/pkg/matmul/tile"
	"github.com/gomlx/stagemm/pkg/runtime"
	"github.com/pkg/errors"
)

// AvailabilityReason tells why a matmul can't run on a device.
type AvailabilityReason int

const (
	// TileInstructionUnsupported is returned when the device lacks the tile matmul instruction for
	// the stage element type and tile shape.
	TileInstructionUnsupported AvailabilityReason = iota

	// AsyncCopyUnsupported is returned when an asynchronous loading strategy is selected on a device
	// without asynchronous copies.
	AsyncCopyUnsupported

	// SharedMemoryLimitExceeded is returned when the stages don't fit the device shared memory.
	SharedMemoryLimitExceeded

	// TooManyUnits is returned when the cube has more units than the device allows.
	TooManyUnits

	// InvalidInputLayout is returned for inputs with no contiguous matrix axis. They can be made
	// contiguous with tensor.IntoContiguous.
	InvalidInputLayout

	// InvalidConfig is returned when the problem or the configuration doesn't fit the device.
	InvalidConfig
)

// String implements fmt.Stringer.
func (r AvailabilityReason) String() string {
	switch r {
	case TileInstructionUnsupported:
		return "TileInstructionUnsupported"
	case AsyncCopyUnsupported:
		return "AsyncCopyUnsupported"
	case SharedMemoryLimitExceeded:
		return "SharedMemoryLimitExceeded"
	case TooManyUnits:
		return "TooManyUnits"
	case InvalidInputLayout:
		return "InvalidInputLayout"
	case InvalidConfig:
		return "InvalidConfig"
	default:
		return fmt.Sprintf("AvailabilityReason(%d)", int(r))
	}
}

// AvailabilityError is returned when a matmul can't run on a device, before launching it.
type AvailabilityError struct {
	Reason  AvailabilityReason
	Message string
	cause   error
}

func newAvailabilityError(reason AvailabilityReason, cause error, format string, args ...any) *AvailabilityError {
	return &AvailabilityError{Reason: reason, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Error implements error.
func (e *AvailabilityError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("matmul unavailable (%s): %s: %v", e.Reason, e.Message, e.cause)
	}
	return fmt.Sprintf("matmul unavailable (%s): %s", e.Reason, e.Message)
}

// Unwrap returns the underlying error, if any.
func (e *AvailabilityError) Unwrap() error { return e.cause }

// IsAvailabilityError returns whether err is (or wraps) an *AvailabilityError with the given reason.
func IsAvailabilityError(err error, reason AvailabilityReason) bool {
	var availErr *AvailabilityError
	return errors.As(err, &availErr) && availErr.Reason == reason
}

// SharedMemorySize returns the number of bytes of shared memory used by each cube: the stages of both inputs
// (with all their buffers) in ES and the accumulator read-out scratch in EO.
func SharedMemorySize[ES, EO tensor.Element](cfg *config.GlobalConfig) int {
	stageElements := cfg.NumBuffers() * (cfg.TilingDimensions(config.Lhs).TotalSize() + cfg.TilingDimensions(config.Rhs).TotalSize())
	scratchElements := cfg.TilingDimensions(config.Out).TileSize() * cfg.NumPlanes()
	return stageElements*int(tensor.DTypeOf[ES]().Memory()) + scratchElements*int(tensor.DTypeOf[EO]().Memory())
}

// CheckAvailability verifies the device can run the configuration, with stages of element type ES and
// global tensors of element type EG. It doesn't check the configuration itself, see CheckConfig.
//
// It returns an *AvailabilityError, with the reason the device can't run the kernel.
func CheckAvailability[EG, ES tensor.Element](client *runtime.Client, cfg *config.GlobalConfig) error {
	if err := tile.CheckAvailability[ES](client, &cfg.Stage.Tile); err != nil {
		return newAvailabilityError(TileInstructionUnsupported, err, "stage element type %s", tensor.DTypeOf[ES]())
	}
	for _, ident := range config.InputIdents {
		if kind := cfg.LoadingStrategy(ident); kind.IsAsync() && !client.FeatureSupported(runtime.AsyncCopyFeature()) {
			return newAvailabilityError(AsyncCopyUnsupported, nil, "%s loading strategy %s requires %s",
				ident, kind, runtime.AsyncCopyFeature())
		}
	}
	props := client.Properties()
	if cfg.PlaneDim() != props.PlaneDim {
		return newAvailabilityError(InvalidConfig, nil, "configuration plane dimension %d, device has %d",
			cfg.PlaneDim(), props.PlaneDim)
	}
	if numUnits := cfg.NumUnits(); numUnits > props.MaxUnitsPerCube {
		return newAvailabilityError(TooManyUnits, nil, "cube needs %d units (%d planes of %d), device allows %d",
			numUnits, cfg.NumPlanes(), cfg.PlaneDim(), props.MaxUnitsPerCube)
	}
	if needed := SharedMemorySize[ES, EG](cfg); needed > props.MaxSharedMemorySize {
		return newAvailabilityError(SharedMemoryLimitExceeded, nil, "stages need %s of shared memory, device has %s",
			humanize.Bytes(uint64(needed)), humanize.Bytes(uint64(props.MaxSharedMemorySize)))
	}
	return nil
}
