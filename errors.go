package bcvm

import (
	"errors"

	"github.com/scantek/bcvm/internal/bcruntime"
)

// The status taxonomy of Execute. Success is a nil error; everything else
// falls into exactly one of the three classes below.

// IsBytecodeError reports whether err was caused by malformed bytecode or a
// checked runtime failure inside the program, such as division by zero.
func IsBytecodeError(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == bcruntime.KindBytecode
}

// IsArgumentError reports whether err was caused by a violated precondition
// the verifier or the host was responsible for.
func IsArgumentError(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == bcruntime.KindArgument
}

// IsMemoryError reports whether err was caused by an allocation failure.
func IsMemoryError(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == bcruntime.KindMemory
}

func kindOf(err error) (bcruntime.Kind, bool) {
	var e *bcruntime.Error
	if errors.As(err, &e) {
		return e.Kind(), true
	}
	return 0, false
}
