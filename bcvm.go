// Package bcvm executes compiled bytecode signature modules against a
// scanned artifact. It is the dynamic-execution half of a programmable
// signature facility: the compiler and verifier produce a bytecode.Module,
// and Execute interprets one of its functions to completion.
//
// The interpreter is portable and single-threaded per invocation. A Module
// is read-only and may be shared by concurrent invocations; a Context may
// not.
package bcvm

import (
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/scantek/bcvm/bytecode"
	"github.com/scantek/bcvm/internal/bcruntime"
	"github.com/scantek/bcvm/internal/interp"
	"github.com/scantek/bcvm/internal/spillstack"
)

// Context carries the host services available to one execution. The zero
// value is usable: logging falls back to the logrus standard logger, and the
// artifact and match sink stay absent.
type Context struct {
	// Log receives the VM's diagnostics: per-call debug lines and the error
	// messages behind refused internal operations.
	Log logrus.FieldLogger

	// Input is the scanned artifact the program examines, when there is
	// one. It is read through the host-call surface, which is delivered
	// separately from this package.
	Input io.ReaderAt

	// OnMatch, when set, receives detections reported by the program
	// through the host-call surface.
	OnMatch func(sigID uint32)

	// Alloc obtains backing memory for the entry value region and for
	// spill-stack chunks, a count of 64-bit cells at a time. When nil the
	// Go heap is used. Returning nil (or too few cells) reports allocation
	// failure and aborts the execution with a memory error.
	Alloc func(cells int) []uint64
}

func (c *Context) logger() logrus.FieldLogger {
	if c != nil && c.Log != nil {
		return c.Log
	}
	return logrus.StandardLogger()
}

func (c *Context) allocator() spillstack.Allocator {
	if c != nil {
		return c.Alloc
	}
	return nil
}

// Execute runs function entry of m to completion and returns its result.
// params must match the function's formal argument count; remaining locals
// start zeroed. Execution begins at the function's first instruction.
//
// On failure the error unwraps to one of the VM's sentinel errors; a failure
// raised while the program runs also carries a bytecode stack trace in its
// message, while precondition failures and a refused entry value region are
// reported before execution starts and carry none. Classify it with IsBytecodeError,
// IsArgumentError and IsMemoryError. No partial result is visible on
// failure, and all frame storage is released on every exit path.
func Execute(m *bytecode.Module, ctx *Context, entry uint32, params ...uint64) (uint64, error) {
	if m == nil {
		return 0, errors.WithMessage(bcruntime.ErrNilModule, "execute")
	}
	if entry >= uint32(len(m.Functions)) {
		return 0, errors.Wrapf(bcruntime.ErrInvalidFunctionID, "entry function %d of %d", entry, len(m.Functions))
	}
	if want := m.Functions[entry].NumArgs; uint32(len(params)) != want {
		return 0, errors.Wrapf(bcruntime.ErrCallArityMismatch, "expected %d params, but passed %d", want, len(params))
	}
	return interp.Execute(m, entry, 0, ctx.logger(), ctx.allocator(), params...)
}
