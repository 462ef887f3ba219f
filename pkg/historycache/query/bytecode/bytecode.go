// Package bytecode is a minimal reference implementation of
// historycache.FilterProgram/OrderProgram: a small stack-machine
// interpreter modeled on the original implementation's bc_interpret
// opcode table (src/sql/bytecode.c), cut down to the predicate and
// comparison opcodes a content filter or order-by expression needs.
// Parsing SQL/DDS filter expression text into a Program is out of
// scope (spec.md §1's "SQL/bytecode compilation" non-goal); Programs
// here are assembled directly, the way a test or the demo CLI would.
package bytecode

import (
	"fmt"

	"github.com/tempodb-dds/historycache/pkg/historycache"
)

// Op is one instruction in a Program, playing the role of bc_interpret's
// single O_* opcode dispatch.
type Op int

const (
	// OpLoadParam pushes params[Arg] (interpreted as an int64) onto the
	// stack, mirroring O_LCS/O_LDS's "load constant from parameter list".
	OpLoadParam Op = iota
	// OpLoadDataField pushes the Arg'th int64 word of the sample's
	// payload bytes, mirroring O_FOFS/O_LDL's "load field at offset".
	OpLoadDataField
	// OpLoadConst pushes the literal Arg.
	OpLoadConst
	// OpEQ, OpNE, OpLT, OpLE, OpGT, OpGE pop two values and push 1/0,
	// mirroring O_CMPLS plus the O_B{EQ,NE,LT,LE,GT,GE} family collapsed
	// into non-branching compares for this reference VM.
	OpEQ
	OpNE
	OpLT
	OpLE
	OpGT
	OpGE
	// OpAnd, OpOr, OpNot are the boolean connectives a WHERE clause
	// compiles to.
	OpAnd
	OpOr
	OpNot
)

// Inst is one Program instruction: an opcode plus its single operand.
type Inst struct {
	Op  Op
	Arg int64
}

// Program is an assembled bytecode sequence. A Program of only
// comparison/boolean opcodes terminating with a value on the stack
// implements FilterProgram; a Program producing a single field value
// implements OrderProgram via ProgramOrder.
type Program struct {
	Insts []Inst
}

const maxStack = 32

// Eval implements historycache.FilterProgram by running the program
// against a single sample, treating the final stack value as a
// boolean (mirroring bc_interpret's *result convention: non-zero is a
// match).
func (p *Program) Eval(s *historycache.Sample, params [][]byte) (bool, error) {
	v, err := p.run(s, params)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// ProgramOrder adapts a Program computing a single sortable field into
// an historycache.OrderProgram by running it once per operand and
// comparing the results, the reference-VM stand-in for the original's
// pair-wise O_CMP* opcodes.
type ProgramOrder struct {
	Field *Program
}

func (o *ProgramOrder) Compare(a, b *historycache.Sample) (int, error) {
	av, err := o.Field.run(a, nil)
	if err != nil {
		return 0, err
	}
	bv, err := o.Field.run(b, nil)
	if err != nil {
		return 0, err
	}
	switch {
	case av < bv:
		return -1, nil
	case av > bv:
		return 1, nil
	default:
		return 0, nil
	}
}

func (p *Program) run(s *historycache.Sample, params [][]byte) (int64, error) {
	var stack [maxStack]int64
	tos := 0

	push := func(v int64) error {
		if tos >= maxStack {
			return fmt.Errorf("bytecode: stack overflow")
		}
		stack[tos] = v
		tos++
		return nil
	}
	pop2 := func() (int64, int64, error) {
		if tos < 2 {
			return 0, 0, fmt.Errorf("bytecode: stack underflow")
		}
		tos -= 2
		return stack[tos], stack[tos+1], nil
	}
	pop1 := func() (int64, error) {
		if tos < 1 {
			return 0, fmt.Errorf("bytecode: stack underflow")
		}
		tos--
		return stack[tos], nil
	}
	boolToInt := func(b bool) int64 {
		if b {
			return 1
		}
		return 0
	}

	for _, inst := range p.Insts {
		switch inst.Op {
		case OpLoadConst:
			if err := push(inst.Arg); err != nil {
				return 0, err
			}
		case OpLoadParam:
			idx := int(inst.Arg)
			if idx < 0 || idx >= len(params) {
				return 0, fmt.Errorf("bytecode: parameter %d out of range", idx)
			}
			if err := push(dataFieldAt(params[idx], 0)); err != nil {
				return 0, err
			}
		case OpLoadDataField:
			if err := push(dataFieldAt(s.Data, int(inst.Arg))); err != nil {
				return 0, err
			}
		case OpEQ, OpNE, OpLT, OpLE, OpGT, OpGE:
			a, b, err := pop2()
			if err != nil {
				return 0, err
			}
			var r bool
			switch inst.Op {
			case OpEQ:
				r = a == b
			case OpNE:
				r = a != b
			case OpLT:
				r = a < b
			case OpLE:
				r = a <= b
			case OpGT:
				r = a > b
			case OpGE:
				r = a >= b
			}
			if err := push(boolToInt(r)); err != nil {
				return 0, err
			}
		case OpAnd, OpOr:
			a, b, err := pop2()
			if err != nil {
				return 0, err
			}
			var r bool
			if inst.Op == OpAnd {
				r = a != 0 && b != 0
			} else {
				r = a != 0 || b != 0
			}
			if err := push(boolToInt(r)); err != nil {
				return 0, err
			}
		case OpNot:
			a, err := pop1()
			if err != nil {
				return 0, err
			}
			if err := push(boolToInt(a == 0)); err != nil {
				return 0, err
			}
		default:
			return 0, fmt.Errorf("bytecode: unknown opcode %d", inst.Op)
		}
	}
	if tos == 0 {
		return 0, fmt.Errorf("bytecode: program produced no result")
	}
	return stack[tos-1], nil
}

// dataFieldAt reads an 8-byte big-endian word at field index idx from a
// byte slice, the reference VM's stand-in for bc_interpret's typed CDR
// field load (O_LDL et al.) — this VM only ever compares raw payload
// bytes, not arbitrary typed struct fields.
func dataFieldAt(data []byte, idx int) int64 {
	off := idx * 8
	var v int64
	for i := 0; i < 8; i++ {
		v <<= 8
		if off+i < len(data) {
			v |= int64(data[off+i])
		}
	}
	return v
}
