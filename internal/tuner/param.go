// Package tuner holds a named, constrained parameter space and searches it
// for the assignment with the best benchmark score.
package tuner

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// Errors returned by parameter sets.
var (
	ErrUnknownParam   = errors.New("unknown parameter")
	ErrDuplicateParam = errors.New("duplicate parameter")
	ErrOutOfDomain    = errors.New("value outside parameter domain")
	ErrFixedParam     = errors.New("parameter is not mutable")
	ErrUnsatisfiable  = errors.New("constraints cannot be satisfied")
	ErrEmptyDomain    = errors.New("empty parameter domain")
)

// Kind describes how a parameter domain was declared.
type Kind int

// Parameter kinds.
const (
	KindSet Kind = iota
	KindRange
	KindBool
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindSet:
		return "set"
	case KindRange:
		return "range"
	case KindBool:
		return "bool"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Param is one tunable knob. Its domain is always stored as an ordered list of
// integer values; booleans use {0, 1}.
type Param struct {
	Name    string
	Kind    Kind
	Values  []int
	Default int
	Mutable bool

	idx int
}

// Value returns the current value.
func (p *Param) Value() int {
	return p.Values[p.idx]
}

func (p *Param) indexOf(v int) (int, bool) {
	i := slices.Index(p.Values, v)
	return i, i >= 0
}

// Constraint is a predicate over a list of parameters. When it is violated,
// the parameter named by Adapt is moved to the nearest value that restores it.
type Constraint struct {
	Name   string
	Params []string
	Adapt  string
	Check  func(v ...int) bool
}

// Snapshot is a full parameter assignment keyed by name.
type Snapshot map[string]int

// Clone returns a copy.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// String renders the snapshot with keys in sorted order.
func (s Snapshot) String() string {
	keys := lo.Keys(s)
	slices.Sort(keys)
	parts := lo.Map(keys, func(k string, _ int) string {
		return k + "=" + strconv.Itoa(s[k])
	})
	return "{" + strings.Join(parts, " ") + "}"
}

// RangeValues enumerates from..to inclusive by step.
func RangeValues(from, to, step int) []int {
	if step <= 0 || to < from {
		return nil
	}
	out := make([]int, 0, (to-from)/step+1)
	for v := from; v <= to; v += step {
		out = append(out, v)
	}
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
