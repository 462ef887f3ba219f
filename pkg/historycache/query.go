package historycache

// FilterProgram is the opaque boundary to a compiled content-filter
// bytecode program (spec.md §4.5 get's "filter bytecode program"; §1
// excludes the SQL/bytecode compiler itself from scope). Eval receives
// the candidate sample and the filter's expression parameters and
// reports whether the sample matches.
type FilterProgram interface {
	Eval(s *Sample, params [][]byte) (bool, error)
}

// OrderProgram is the opaque boundary to a compiled order-by bytecode
// program, invoked pair-wise by Get's sort step (spec.md §4.5, §5's
// "global mutex also serialises the sort step").
type OrderProgram interface {
	Compare(a, b *Sample) (int, error)
}

// FilterProgramFunc adapts a plain function to a FilterProgram.
type FilterProgramFunc func(s *Sample, params [][]byte) (bool, error)

func (f FilterProgramFunc) Eval(s *Sample, params [][]byte) (bool, error) { return f(s, params) }

// OrderProgramFunc adapts a plain function to an OrderProgram.
type OrderProgramFunc func(a, b *Sample) (int, error)

func (f OrderProgramFunc) Compare(a, b *Sample) (int, error) { return f(a, b) }
