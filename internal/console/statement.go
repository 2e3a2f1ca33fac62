package console

import (
	"fmt"
	"strings"
)

// Statement accumulates source fragments into one console statement before
// it is submitted.
type Statement struct {
	b strings.Builder
}

// NewStatement returns a statement holding fragments.
func NewStatement(fragments ...string) *Statement {
	st := &Statement{}
	return st.Add(fragments...)
}

// Add appends fragments verbatim.
func (st *Statement) Add(fragments ...string) *Statement {
	for _, f := range fragments {
		st.b.WriteString(f)
	}
	return st
}

// Addf appends a formatted fragment.
func (st *Statement) Addf(format string, args ...any) *Statement {
	fmt.Fprintf(&st.b, format, args...)
	return st
}

// Len returns the statement length in bytes.
func (st *Statement) Len() int { return st.b.Len() }

func (st *Statement) String() string { return st.b.String() }
