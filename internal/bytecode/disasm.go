package bytecode

import (
	"fmt"
	"strings"
)

// Disassemble renders a program as human-readable text for debugging
// and golden tests.
func Disassemble(prog *Program) string {
	var b strings.Builder

	fmt.Fprintf(&b, "== program (shadow=%v audit=%v) ==\n",
		prog.EnableShadowExecution, prog.EnableAuditSealing)

	if len(prog.Constants) > 0 {
		b.WriteString("constants:\n")
		for i, c := range prog.Constants {
			fmt.Fprintf(&b, "  %4d: %#v\n", i, c)
		}
	}

	for i := range prog.Functions {
		disassembleFunction(&b, &prog.Functions[i])
	}
	return b.String()
}

func disassembleFunction(b *strings.Builder, fn *Function) {
	fmt.Fprintf(b, "\nfn %s (params=%d locals=%d", fn.Name, fn.ParamCount, fn.LocalCount)
	if fn.Divergence.Kind != "" {
		fmt.Fprintf(b, " divergence=%s", fn.Divergence)
	}
	if fn.Mutation != "" {
		fmt.Fprintf(b, " mutation=%s", fn.Mutation)
	}
	b.WriteString(")\n")

	streams := []struct {
		name  string
		insts []Instruction
	}{
		{"primary", fn.Primary},
		{"shadow", fn.Shadow},
		{"invariant", fn.Invariant},
	}
	for _, s := range streams {
		if len(s.insts) == 0 {
			continue
		}
		fmt.Fprintf(b, "  %s:\n", s.name)
		for i, inst := range s.insts {
			fmt.Fprintf(b, "    %4d  %s\n", i, inst)
		}
	}
}
