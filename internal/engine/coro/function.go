package coro

import (
	"fmt"
	"sort"
)

// Body is the Go implementation of a script function.
type Body func(t *Thread) error

// Function is a callable unit of a coro module. It implements engine.Function.
type Function struct {
	name    string
	section string
	line    int
	lines   []int
	body    Body
}

// NewFunction creates a function declared at line of section. lines lists the
// lines that hold executable code; they are sorted and deduplicated.
func NewFunction(name, section string, line int, lines []int, body Body) *Function {
	sorted := append([]int(nil), lines...)
	sort.Ints(sorted)
	uniq := sorted[:0]
	for i, l := range sorted {
		if i > 0 && l == sorted[i-1] {
			continue
		}
		uniq = append(uniq, l)
	}
	return &Function{
		name:    name,
		section: section,
		line:    line,
		lines:   uniq,
		body:    body,
	}
}

func (f *Function) Name() string      { return f.name }
func (f *Function) Section() string   { return f.section }
func (f *Function) DeclaredLine() int { return f.line }

// Lines returns the lines holding code.
func (f *Function) Lines() []int {
	return append([]int(nil), f.lines...)
}

// NextLineWithCode returns the first line >= line with code, or 0 when line
// is outside the function.
func (f *Function) NextLineWithCode(line int) int {
	if len(f.lines) == 0 || line < f.line || line > f.lines[len(f.lines)-1] {
		return 0
	}
	i := sort.SearchInts(f.lines, line)
	return f.lines[i]
}

func (f *Function) String() string {
	return fmt.Sprintf("%s (%s:%d)", f.name, f.section, f.line)
}
