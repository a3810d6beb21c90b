// Package interp executes compiled bytecode. It is a portable interpreter:
// a basic-block control-flow machine over per-activation value regions, with
// call frames spilled to a chunked LIFO allocator.
//
// Check failures propagate as panics carrying bcruntime sentinels and are
// recovered exactly once, in Execute, where they pick up a bytecode stack
// trace. The verifier is authoritative for most of what these checks assert,
// but they stay on unconditionally.
package interp

import (
	"math"

	"github.com/sirupsen/logrus"

	"github.com/scantek/bcvm/bytecode"
	"github.com/scantek/bcvm/internal/bcdebug"
	"github.com/scantek/bcvm/internal/bcruntime"
	"github.com/scantek/bcvm/internal/buildoptions"
	"github.com/scantek/bcvm/internal/spillstack"
)

// var instead of const so tests can shrink it.
var callStackCeiling = buildoptions.CallStackCeiling

// frame is one activation: the callee's value region plus everything needed
// to resume the caller. callerBB is nil only on the entry activation, and
// the stored instruction index is the call site itself; the dispatch loop's
// shared post-increment after ret is what steps past the call, so exactly
// one forward step happens per call round-trip.
type frame struct {
	prev *frame

	fn   *bytecode.Function
	fnID uint32

	callerBB  *bytecode.BasicBlock
	callerIdx int

	// retIdx is the caller slot receiving the return value.
	retIdx uint32

	values []uint64
}

// callEngine holds the state of one Execute invocation. It is exclusively
// owned by that invocation; only the module it reads from is shared.
type callEngine struct {
	m     *bytecode.Module
	stack *spillstack.Stack
	frame *frame
	// depth is the number of nested direct calls, i.e. the number of value
	// regions live on the spill stack.
	depth int
	log   logrus.FieldLogger
}

// Execute runs the given function until its activation returns, and returns
// the returned value. params become the function's first formal arguments;
// remaining locals start zeroed and the constant slots hold the function's
// constants. entryInst is the instruction index in block 0 to start at,
// normally 0. The entry value region and all frame storage are obtained
// from alloc; a nil alloc uses the Go heap, and a refused allocation aborts
// the execution with ErrOutOfMemory.
//
// The spill stack is torn down on every exit path. A non-nil error unwraps
// to one of the bcruntime sentinels.
func Execute(m *bytecode.Module, entry uint32, entryInst int, log logrus.FieldLogger, alloc spillstack.Allocator, params ...uint64) (ret uint64, err error) {
	if m == nil {
		return 0, bcruntime.ErrNilModule
	}
	if entry >= uint32(len(m.Functions)) {
		return 0, bcruntime.ErrInvalidFunctionID
	}
	fn := &m.Functions[entry]
	if uint32(len(params)) != fn.NumArgs {
		return 0, bcruntime.ErrCallArityMismatch
	}

	total := int(fn.NumValues + fn.NumConstants)
	var values []uint64
	if alloc == nil {
		values = make([]uint64, total)
	} else {
		values = alloc(total)
		if len(values) < total {
			return 0, bcruntime.ErrOutOfMemory
		}
		values = values[:total]
	}
	locals := values[:fn.NumValues]
	for i := range locals {
		locals[i] = 0
	}
	copy(values[fn.NumValues:], fn.Constants)
	copy(values, params)

	ce := &callEngine{
		m:     m,
		stack: spillstack.New(log, alloc),
		log:   log,
		frame: &frame{fn: fn, fnID: entry, values: values},
	}

	defer ce.stack.Destroy()
	defer func() {
		if v := recover(); v != nil {
			builder := bcdebug.NewErrorBuilder()
			for f := ce.frame; f != nil; f = f.prev {
				builder.AddFrame(bcdebug.FuncName(f.fnID))
			}
			err = builder.FromRecovered(v)
		}
	}()

	ret = ce.run(entryInst)
	return
}

// jump resolves a block id in fn and resets the instruction cursor.
func jump(fn *bytecode.Function, bbID uint16) (*bytecode.BasicBlock, int) {
	if uint32(bbID) >= uint32(len(fn.Blocks)) {
		panic(bcruntime.ErrInvalidBasicBlock)
	}
	bb := &fn.Blocks[bbID]
	if len(bb.Insts) == 0 {
		panic(bcruntime.ErrMalformedBlock)
	}
	return bb, 0
}

// allocateFrame reserves an activation for callee on the spill stack:
// the record plus a value region of NumValues+NumConstants cells, locals
// zeroed and constants filled in.
func (ce *callEngine) allocateFrame(callee *bytecode.Function, calleeID uint32, retIdx uint32, callerBB *bytecode.BasicBlock, callerIdx int) *frame {
	values, err := ce.stack.Alloc(int(callee.NumValues + callee.NumConstants))
	if err != nil {
		panic(err)
	}
	locals := values[:callee.NumValues]
	for i := range locals {
		locals[i] = 0
	}
	copy(values[callee.NumValues:], callee.Constants)
	return &frame{
		prev:      ce.frame,
		fn:        callee,
		fnID:      calleeID,
		callerBB:  callerBB,
		callerIdx: callerIdx,
		retIdx:    retIdx,
		values:    values,
	}
}

func (ce *callEngine) run(entryInst int) uint64 {
	fn := ce.frame.fn
	values := ce.frame.values
	bb, _ := jump(fn, 0)
	idx := entryInst
	if idx >= len(bb.Insts) {
		panic(bcruntime.ErrMalformedBlock)
	}

	for {
		inst := &bb.Insts[idx]
		w := inst.Width
		switch inst.Op {
		case bytecode.OpAdd:
			op0 := readValue(values, w, inst.Ops[0])
			op1 := readValue(values, w, inst.Ops[1])
			writeValue(values, w, inst.Dest, op0+op1)

		case bytecode.OpSub:
			op0 := readValue(values, w, inst.Ops[0])
			op1 := readValue(values, w, inst.Ops[1])
			writeValue(values, w, inst.Dest, op0-op1)

		case bytecode.OpMul:
			op0 := readValue(values, w, inst.Ops[0])
			op1 := readValue(values, w, inst.Ops[1])
			writeValue(values, w, inst.Dest, op0*op1)

		case bytecode.OpUDiv:
			op0 := readValue(values, w, inst.Ops[0])
			op1 := readValue(values, w, inst.Ops[1])
			if op1 == 0 {
				panic(bcruntime.ErrIntegerDivideByZero)
			}
			writeValue(values, w, inst.Dest, op0/op1)

		case bytecode.OpSDiv:
			sop0 := readSigned(values, w, inst.Ops[0])
			sop1 := readSigned(values, w, inst.Ops[1])
			checkSDivOps(sop0, sop1)
			writeValue(values, w, inst.Dest, uint64(sop0/sop1))

		case bytecode.OpURem:
			op0 := readValue(values, w, inst.Ops[0])
			op1 := readValue(values, w, inst.Ops[1])
			if op1 == 0 {
				panic(bcruntime.ErrIntegerDivideByZero)
			}
			writeValue(values, w, inst.Dest, op0%op1)

		case bytecode.OpSRem:
			sop0 := readSigned(values, w, inst.Ops[0])
			sop1 := readSigned(values, w, inst.Ops[1])
			checkSDivOps(sop0, sop1)
			writeValue(values, w, inst.Dest, uint64(sop0%sop1))

		case bytecode.OpShl:
			op0 := readValue(values, w, inst.Ops[0])
			op1 := readValue(values, w, inst.Ops[1])
			if op1 > uint64(inst.Type) {
				panic(bcruntime.ErrShiftExceedsWidth)
			}
			writeValue(values, w, inst.Dest, op0<<op1)

		case bytecode.OpLShr:
			op0 := readValue(values, w, inst.Ops[0])
			op1 := readValue(values, w, inst.Ops[1])
			if op1 > uint64(inst.Type) {
				panic(bcruntime.ErrShiftExceedsWidth)
			}
			writeValue(values, w, inst.Dest, op0>>op1)

		case bytecode.OpAShr:
			sop0 := readSigned(values, w, inst.Ops[0])
			op1 := readValue(values, w, inst.Ops[1])
			if op1 > uint64(inst.Type) {
				panic(bcruntime.ErrShiftExceedsWidth)
			}
			writeValue(values, w, inst.Dest, uint64(sop0>>op1))

		case bytecode.OpAnd:
			op0 := readValue(values, w, inst.Ops[0])
			op1 := readValue(values, w, inst.Ops[1])
			writeValue(values, w, inst.Dest, op0&op1)

		case bytecode.OpOr:
			op0 := readValue(values, w, inst.Ops[0])
			op1 := readValue(values, w, inst.Ops[1])
			writeValue(values, w, inst.Dest, op0|op1)

		case bytecode.OpXor:
			op0 := readValue(values, w, inst.Ops[0])
			op1 := readValue(values, w, inst.Ops[1])
			writeValue(values, w, inst.Dest, op0^op1)

		case bytecode.OpSExt:
			var res uint64
			switch inst.Size {
			case bytecode.WidthI1:
				if readValue(values, bytecode.WidthI1, inst.Source) != 0 {
					res = ^uint64(0)
				}
			case bytecode.WidthI8, bytecode.WidthI16, bytecode.WidthI32, bytecode.WidthI64:
				// Place the source's top bit at bit 63, then arithmetic
				// shift back down.
				v := readValue(values, inst.Size, inst.Source)
				sh := 64 - uint(inst.Mask)
				res = uint64(int64(v<<sh) >> sh)
			default:
				panic(bcruntime.ErrUnreachableExecuted)
			}
			writeValue(values, w, inst.Dest, res)

		case bytecode.OpZExt, bytecode.OpTrunc:
			if inst.Size > bytecode.WidthI64 {
				panic(bcruntime.ErrUnreachableExecuted)
			}
			v := readValue(values, inst.Size, inst.Source)
			writeValue(values, w, inst.Dest, v)

		case bytecode.OpICmpEq:
			writeBool(values, inst.Dest, readValue(values, w, inst.Ops[0]) == readValue(values, w, inst.Ops[1]))
		case bytecode.OpICmpNe:
			writeBool(values, inst.Dest, readValue(values, w, inst.Ops[0]) != readValue(values, w, inst.Ops[1]))
		case bytecode.OpICmpUGt:
			writeBool(values, inst.Dest, readValue(values, w, inst.Ops[0]) > readValue(values, w, inst.Ops[1]))
		case bytecode.OpICmpUGe:
			writeBool(values, inst.Dest, readValue(values, w, inst.Ops[0]) >= readValue(values, w, inst.Ops[1]))
		case bytecode.OpICmpULt:
			writeBool(values, inst.Dest, readValue(values, w, inst.Ops[0]) < readValue(values, w, inst.Ops[1]))
		case bytecode.OpICmpULe:
			writeBool(values, inst.Dest, readValue(values, w, inst.Ops[0]) <= readValue(values, w, inst.Ops[1]))
		case bytecode.OpICmpSGt:
			writeBool(values, inst.Dest, readSigned(values, w, inst.Ops[0]) > readSigned(values, w, inst.Ops[1]))
		case bytecode.OpICmpSGe:
			writeBool(values, inst.Dest, readSigned(values, w, inst.Ops[0]) >= readSigned(values, w, inst.Ops[1]))
		case bytecode.OpICmpSLe:
			writeBool(values, inst.Dest, readSigned(values, w, inst.Ops[0]) <= readSigned(values, w, inst.Ops[1]))
		case bytecode.OpICmpSLt:
			writeBool(values, inst.Dest, readSigned(values, w, inst.Ops[0]) < readSigned(values, w, inst.Ops[1]))

		case bytecode.OpSelect:
			cond := readValue(values, bytecode.WidthI1, inst.Ops[0])
			t1 := readValue(values, w, inst.Ops[1])
			t2 := readValue(values, w, inst.Ops[2])
			if cond != 0 {
				writeValue(values, w, inst.Dest, t1)
			} else {
				writeValue(values, w, inst.Dest, t2)
			}

		case bytecode.OpCopy:
			// Ops[1] is the destination slot, not Dest.
			writeValue(values, w, inst.Ops[1], readValue(values, w, inst.Ops[0]))

		case bytecode.OpBranch:
			target := inst.BrFalse
			if readValue(values, bytecode.WidthI1, inst.Cond) != 0 {
				target = inst.BrTrue
			}
			bb, idx = jump(fn, target)
			continue

		case bytecode.OpJmp:
			bb, idx = jump(fn, inst.BrTrue)
			continue

		case bytecode.OpRet:
			f := ce.frame
			if f == nil {
				panic(bcruntime.ErrReturnWithoutFrame)
			}
			tmp := readValue(values, w, inst.Ops[0])
			ce.frame = f.prev
			if f.callerBB == nil {
				// The entry activation returned; its region belongs to the
				// invocation, not the spill stack.
				return tmp
			}
			ce.stack.Free(f.values)
			ce.depth--
			caller := ce.frame
			fn = caller.fn
			values = caller.values
			bb = f.callerBB
			idx = f.callerIdx
			if f.retIdx >= uint32(len(values)) {
				panic(bcruntime.ErrValueIndexOutOfRange)
			}
			values[f.retIdx] = tmp

		case bytecode.OpCallDirect:
			if uint32(inst.FuncID) >= uint32(len(ce.m.Functions)) {
				panic(bcruntime.ErrInvalidFunctionID)
			}
			callee := &ce.m.Functions[inst.FuncID]
			if callee.NumArgs != uint32(len(inst.Ops)) {
				panic(bcruntime.ErrCallArityMismatch)
			}
			if ce.depth >= callStackCeiling {
				panic(bcruntime.ErrCallStackOverflow)
			}
			f := ce.allocateFrame(callee, uint32(inst.FuncID), inst.Dest, bb, idx)
			for i, op := range inst.Ops {
				if op >= uint32(len(values)) {
					panic(bcruntime.ErrValueIndexOutOfRange)
				}
				f.values[i] = values[op]
			}
			ce.log.Debugf("executing function %d", inst.FuncID)
			ce.frame = f
			ce.depth++
			fn = callee
			values = f.values
			bb, idx = jump(fn, 0)
			continue

		default:
			ce.log.Errorf("opcode %s of width %s is not implemented", inst.Op, w)
			panic(bcruntime.ErrUnimplementedOpcode)
		}

		idx++
		if idx >= len(bb.Insts) {
			panic(bcruntime.ErrMalformedBlock)
		}
	}
}

// checkSDivOps rejects the two signed-division failure pairs on the widened
// 64-bit operands: a zero divisor, and the most-negative dividend with
// divisor -1.
func checkSDivOps(dividend, divisor int64) {
	if divisor == 0 {
		panic(bcruntime.ErrIntegerDivideByZero)
	}
	if dividend == math.MinInt64 && divisor == -1 {
		panic(bcruntime.ErrIntegerOverflow)
	}
}

// writeBool stores a compare result as a single byte, matching the i1 write
// convention.
func writeBool(values []uint64, p uint32, v bool) {
	if v {
		writeValue(values, bytecode.WidthI8, p, 1)
	} else {
		writeValue(values, bytecode.WidthI8, p, 0)
	}
}
