// Package bcdebug turns a panic recovered at the execution boundary into an
// error carrying a bytecode stack trace, so a failed signature program names
// the activation chain it died in.
package bcdebug

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/scantek/bcvm/internal/bcruntime"
)

// FuncName renders the name of a bytecode function for stack traces.
// Compiled signature modules carry no symbol names, so the id is all there
// is.
func FuncName(idx uint32) string {
	return fmt.Sprintf("function[%d]", idx)
}

// ErrorBuilder accumulates stack frames and decorates a recovered panic.
type ErrorBuilder interface {
	// AddFrame adds a frame to the trace. Call innermost first.
	AddFrame(name string)

	// FromRecovered returns an error whose message carries the accumulated
	// trace and which unwraps to the recovered value's error.
	FromRecovered(recovered interface{}) error
}

func NewErrorBuilder() ErrorBuilder {
	return &stackTrace{}
}

type stackTrace struct {
	frames []string
}

func (s *stackTrace) AddFrame(name string) {
	s.frames = append(s.frames, name)
}

func (s *stackTrace) FromRecovered(recovered interface{}) error {
	var b strings.Builder
	var cause error
	switch e := recovered.(type) {
	case *bcruntime.Error:
		cause = e
		switch e.Kind() {
		case bcruntime.KindArgument:
			b.WriteString("argument error: ")
		case bcruntime.KindMemory:
			b.WriteString("memory error: ")
		default:
			b.WriteString("bytecode error: ")
		}
		b.WriteString(e.Error())
	case error:
		// Something outside the bytecode error taxonomy escaped, likely a
		// bug; keep the Go stack for the report.
		cause = errors.WithStack(e)
		b.WriteString(e.Error())
		b.WriteString(" (recovered by bcvm)")
	default:
		cause = errors.Errorf("%v", recovered)
		b.WriteString(fmt.Sprintf("%v (recovered by bcvm)", recovered))
	}
	b.WriteString("\nbytecode stack trace:")
	for _, f := range s.frames {
		b.WriteString("\n\t")
		b.WriteString(f)
	}
	return &traceErr{text: b.String(), cause: cause}
}

type traceErr struct {
	text  string
	cause error
}

// Error implements error.
func (e *traceErr) Error() string {
	return e.text
}

// Unwrap returns the recovered error so errors.Is and errors.As keep
// working against the bcruntime sentinels.
func (e *traceErr) Unwrap() error {
	return e.cause
}
