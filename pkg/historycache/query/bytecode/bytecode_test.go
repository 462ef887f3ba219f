package bytecode

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tempodb-dds/historycache/pkg/historycache"
)

func sampleWithField(v int64) *historycache.Sample {
	data := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		data[i] = byte(v)
		v >>= 8
	}
	return &historycache.Sample{Data: data}
}

// TestEvalComparisonOpcodes covers the comparison family against a
// single data field.
func TestEvalComparisonOpcodes(t *testing.T) {
	s := sampleWithField(42)

	lt := &Program{Insts: []Inst{
		{Op: OpLoadDataField, Arg: 0},
		{Op: OpLoadConst, Arg: 100},
		{Op: OpLT},
	}}
	ok, err := lt.Eval(s, nil)
	require.NoError(t, err)
	require.True(t, ok)

	eq := &Program{Insts: []Inst{
		{Op: OpLoadDataField, Arg: 0},
		{Op: OpLoadConst, Arg: 42},
		{Op: OpEQ},
	}}
	ok, err = eq.Eval(s, nil)
	require.NoError(t, err)
	require.True(t, ok)

	gt := &Program{Insts: []Inst{
		{Op: OpLoadDataField, Arg: 0},
		{Op: OpLoadConst, Arg: 42},
		{Op: OpGT},
	}}
	ok, err = gt.Eval(s, nil)
	require.NoError(t, err)
	require.False(t, ok)
}

// TestEvalBooleanConnectives covers And/Or/Not composition.
func TestEvalBooleanConnectives(t *testing.T) {
	s := sampleWithField(5)

	prog := &Program{Insts: []Inst{
		{Op: OpLoadDataField, Arg: 0},
		{Op: OpLoadConst, Arg: 0},
		{Op: OpGT}, // 5 > 0 -> true
		{Op: OpLoadDataField, Arg: 0},
		{Op: OpLoadConst, Arg: 10},
		{Op: OpLT}, // 5 < 10 -> true
		{Op: OpAnd},
	}}
	ok, err := prog.Eval(s, nil)
	require.NoError(t, err)
	require.True(t, ok)

	notProg := &Program{Insts: []Inst{
		{Op: OpLoadDataField, Arg: 0},
		{Op: OpLoadConst, Arg: 5},
		{Op: OpEQ},
		{Op: OpNot},
	}}
	ok, err = notProg.Eval(s, nil)
	require.NoError(t, err)
	require.False(t, ok)
}

// TestEvalLoadParam covers comparing a data field against a bound
// filter parameter.
func TestEvalLoadParam(t *testing.T) {
	s := sampleWithField(7)
	params := [][]byte{{0, 0, 0, 0, 0, 0, 0, 7}}

	prog := &Program{Insts: []Inst{
		{Op: OpLoadDataField, Arg: 0},
		{Op: OpLoadParam, Arg: 0},
		{Op: OpEQ},
	}}
	ok, err := prog.Eval(s, params)
	require.NoError(t, err)
	require.True(t, ok)
}

// TestRunStackUnderflow covers the error path for a malformed program.
func TestRunStackUnderflow(t *testing.T) {
	prog := &Program{Insts: []Inst{{Op: OpEQ}}}
	_, err := prog.Eval(sampleWithField(0), nil)
	require.Error(t, err)
}

// TestRunUnknownOpcodeErrors covers the default case of the dispatch
// switch.
func TestRunUnknownOpcodeErrors(t *testing.T) {
	prog := &Program{Insts: []Inst{{Op: Op(999)}}}
	_, err := prog.Eval(sampleWithField(0), nil)
	require.Error(t, err)
}

// TestProgramOrderCompare covers ProgramOrder wrapping a field-extractor
// Program into an OrderProgram.
func TestProgramOrderCompare(t *testing.T) {
	order := &ProgramOrder{Field: &Program{Insts: []Inst{
		{Op: OpLoadDataField, Arg: 0},
	}}}

	cmp, err := order.Compare(sampleWithField(1), sampleWithField(2))
	require.NoError(t, err)
	require.Equal(t, -1, cmp)

	cmp, err = order.Compare(sampleWithField(5), sampleWithField(5))
	require.NoError(t, err)
	require.Equal(t, 0, cmp)

	cmp, err = order.Compare(sampleWithField(9), sampleWithField(2))
	require.NoError(t, err)
	require.Equal(t, 1, cmp)
}
