package script

import (
	"fmt"
	"strings"
)

// Disassemble returns a human-readable listing of every function in m: one
// row per step with its index, source line and operation.
func Disassemble(m *Module) string {
	var sb strings.Builder
	for i, f := range m.funcs {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(disassembleFunction(m, f))
	}
	return sb.String()
}

func disassembleFunction(m *Module, f *function) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("== %s.%s ==\n", m.name, f.name))
	if len(f.args) > 0 {
		sb.WriteString(fmt.Sprintf("     args %s\n", strings.Join(f.args, ", ")))
	}
	for i, s := range f.steps {
		sb.WriteString(fmt.Sprintf("%04d ", i))
		sb.WriteString(fmt.Sprintf("%4d ", s.line))
		disassembleStep(&sb, s)
	}
	return sb.String()
}

func disassembleStep(sb *strings.Builder, s *step) {
	op := strings.ToUpper(s.op)
	switch s.op {
	case OpSay, OpThrow:
		sb.WriteString(fmt.Sprintf("%-8s %q\n", op, s.text))
	case OpReturn:
		if !s.hasText {
			sb.WriteString(op + "\n")
			return
		}
		sb.WriteString(fmt.Sprintf("%-8s %q\n", op, s.text))
	case OpCall, OpNested, OpSpawn:
		target := s.target
		if s.local == nil {
			target += " (external)"
		}
		if len(s.args) == 0 {
			sb.WriteString(fmt.Sprintf("%-8s %s\n", op, target))
			return
		}
		sb.WriteString(fmt.Sprintf("%-8s %s (%s)\n", op, target, strings.Join(s.args, ", ")))
	case OpWait:
		sb.WriteString(fmt.Sprintf("%-8s %s\n", op, s.wait))
	default:
		sb.WriteString(op + "\n")
	}
}
