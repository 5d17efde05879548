package tuner

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/samber/lo"
)

// maxAdaptPasses bounds the number of sweeps over the constraints per adaptation.
const maxAdaptPasses = 16

// Set is a named parameter space with constraints. It always holds an
// assignment that satisfies every constraint: mutations that cannot be
// adapted into a valid assignment are rolled back.
//
// Set is not safe for concurrent use.
type Set struct {
	name        string
	params      []*Param
	byName      map[string]*Param
	constraints []Constraint
}

// NewSet creates an empty parameter space.
func NewSet(name string) *Set {
	return &Set{name: name, byName: make(map[string]*Param)}
}

// Name returns the set name.
func (s *Set) Name() string { return s.name }

// Params returns the declared parameters in declaration order.
func (s *Set) Params() []*Param { return s.params }

// Constraints returns the declared constraints in declaration order.
func (s *Set) Constraints() []Constraint { return s.constraints }

func (s *Set) add(p *Param) error {
	if _, ok := s.byName[p.Name]; ok {
		return fmt.Errorf("tuner: %s: %w: %s", s.name, ErrDuplicateParam, p.Name)
	}
	if len(p.Values) == 0 {
		return fmt.Errorf("tuner: %s: %w: %s", s.name, ErrEmptyDomain, p.Name)
	}
	idx, ok := p.indexOf(p.Default)
	if !ok {
		// Clamp to the closest value, e.g. a default of 16 on a device whose limit is 8.
		idx = closestIndex(p.Values, p.Default)
		p.Default = p.Values[idx]
	}
	p.idx = idx
	s.params = append(s.params, p)
	s.byName[p.Name] = p
	return nil
}

// AddSet declares a parameter drawn from an explicit list of candidates.
func (s *Set) AddSet(name string, values []int, def int) error {
	vals := slices.Clone(values)
	slices.Sort(vals)
	vals = slices.Compact(vals)
	return s.add(&Param{Name: name, Kind: KindSet, Values: vals, Default: def, Mutable: true})
}

// AddRange declares a parameter over from..to inclusive with the given step.
func (s *Set) AddRange(name string, from, to, step, def int) error {
	return s.add(&Param{Name: name, Kind: KindRange, Values: RangeValues(from, to, step), Default: def, Mutable: true})
}

// AddBool declares a boolean parameter. A fixed boolean keeps its default.
func (s *Set) AddBool(name string, def, mutable bool) error {
	vals := []int{0, 1}
	if !mutable {
		vals = []int{boolInt(def)}
	}
	return s.add(&Param{Name: name, Kind: KindBool, Values: vals, Default: boolInt(def), Mutable: mutable})
}

// AddConstraint declares a constraint over params. adapt must be one of params
// and is the parameter moved when the constraint is violated. The current
// assignment is adapted immediately.
func (s *Set) AddConstraint(name string, params []string, adapt string, check func(v ...int) bool) error {
	for _, p := range params {
		if _, ok := s.byName[p]; !ok {
			return fmt.Errorf("tuner: %s: constraint %s: %w: %s", s.name, name, ErrUnknownParam, p)
		}
	}
	if !slices.Contains(params, adapt) {
		return fmt.Errorf("tuner: %s: constraint %s adapts %s which it does not read", s.name, name, adapt)
	}
	s.constraints = append(s.constraints, Constraint{Name: name, Params: params, Adapt: adapt, Check: check})
	if err := s.adapt(); err != nil {
		s.constraints = s.constraints[:len(s.constraints)-1]
		return err
	}
	return nil
}

func (s *Set) param(name string) *Param {
	p, ok := s.byName[name]
	if !ok {
		panic(fmt.Sprintf("tuner: %s: unknown parameter %q", s.name, name))
	}
	return p
}

// Lookup returns the named parameter.
func (s *Set) Lookup(name string) (*Param, bool) {
	p, ok := s.byName[name]
	return p, ok
}

// Int returns the current value of a parameter. Unknown names panic.
func (s *Set) Int(name string) int {
	return s.param(name).Value()
}

// Bool returns the current value of a boolean parameter. Unknown names panic.
func (s *Set) Bool(name string) bool {
	return s.param(name).Value() != 0
}

// Set assigns a value and adapts dependent parameters. If no valid
// assignment can be reached the previous assignment is kept and an error is
// returned.
func (s *Set) Set(name string, v int) error {
	p, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("tuner: %s: %w: %s", s.name, ErrUnknownParam, name)
	}
	if !p.Mutable && v != p.Value() {
		return fmt.Errorf("tuner: %s: %w: %s", s.name, ErrFixedParam, name)
	}
	idx, ok := p.indexOf(v)
	if !ok {
		return fmt.Errorf("tuner: %s: %w: %s=%d", s.name, ErrOutOfDomain, name, v)
	}
	if idx == p.idx {
		return nil
	}
	saved := s.indices()
	p.idx = idx
	if err := s.adapt(); err != nil {
		s.setIndices(saved)
		return err
	}
	return nil
}

// SetBool assigns a boolean parameter.
func (s *Set) SetBool(name string, b bool) error {
	return s.Set(name, boolInt(b))
}

// Snapshot returns the current assignment.
func (s *Set) Snapshot() Snapshot {
	out := make(Snapshot, len(s.params))
	for _, p := range s.params {
		out[p.Name] = p.Value()
	}
	return out
}

// Restore assigns every parameter named in snap, then adapts. Parameters not
// named keep their values. On failure the previous assignment is kept.
func (s *Set) Restore(snap Snapshot) error {
	saved := s.indices()
	for name, v := range snap {
		p, ok := s.byName[name]
		if !ok {
			s.setIndices(saved)
			return fmt.Errorf("tuner: %s: %w: %s", s.name, ErrUnknownParam, name)
		}
		idx, ok := p.indexOf(v)
		if !ok {
			s.setIndices(saved)
			return fmt.Errorf("tuner: %s: %w: %s=%d", s.name, ErrOutOfDomain, name, v)
		}
		p.idx = idx
	}
	if err := s.adapt(); err != nil {
		s.setIndices(saved)
		return err
	}
	return nil
}

// Reset returns every parameter to its default and adapts.
func (s *Set) Reset() error {
	snap := make(Snapshot, len(s.params))
	for _, p := range s.params {
		snap[p.Name] = p.Default
	}
	return s.Restore(snap)
}

// Violations returns the names of constraints the current assignment breaks.
func (s *Set) Violations() []string {
	return lo.FilterMap(s.constraints, func(c Constraint, _ int) (string, bool) {
		return c.Name, !s.holds(c)
	})
}

// Validate reports an error naming every violated constraint.
func (s *Set) Validate() error {
	if v := s.Violations(); len(v) > 0 {
		return fmt.Errorf("tuner: %s: %w: %s", s.name, ErrUnsatisfiable, strings.Join(v, ", "))
	}
	return nil
}

// Size returns the number of raw assignments in the space, saturating at maxInt.
func (s *Set) Size() int {
	const maxInt = int(^uint(0) >> 1)
	n := 1
	for _, p := range s.params {
		if n > maxInt/len(p.Values) {
			return maxInt
		}
		n *= len(p.Values)
	}
	return n
}

func (s *Set) holds(c Constraint) bool {
	vals := make([]int, len(c.Params))
	for i, name := range c.Params {
		vals[i] = s.byName[name].Value()
	}
	return c.Check(vals...)
}

// adapt sweeps the constraints until all hold. Each violated constraint moves
// its adapt parameter to the nearest domain value that satisfies every
// constraint adapting that parameter.
func (s *Set) adapt() error {
	for pass := 0; pass < maxAdaptPasses; pass++ {
		clean := true
		for _, c := range s.constraints {
			if s.holds(c) {
				continue
			}
			clean = false
			if !s.adaptParam(s.byName[c.Adapt]) {
				return fmt.Errorf("tuner: %s: %w: %s cannot adapt %s", s.name, ErrUnsatisfiable, c.Name, c.Adapt)
			}
		}
		if clean {
			return nil
		}
	}
	return fmt.Errorf("tuner: %s: %w: %s", s.name, ErrUnsatisfiable, strings.Join(s.Violations(), ", "))
}

func (s *Set) adaptParam(p *Param) bool {
	owned := lo.Filter(s.constraints, func(c Constraint, _ int) bool { return c.Adapt == p.Name })
	start := p.idx
	for _, idx := range byDistance(len(p.Values), start) {
		if !p.Mutable && idx != start {
			continue
		}
		p.idx = idx
		if lo.EveryBy(owned, s.holds) {
			return true
		}
	}
	p.idx = start
	return false
}

func (s *Set) indices() []int {
	return lo.Map(s.params, func(p *Param, _ int) int { return p.idx })
}

func (s *Set) setIndices(idx []int) {
	for i, p := range s.params {
		p.idx = idx[i]
	}
}

// byDistance lists 0..n-1 ordered by distance from start, lower index first on ties.
func byDistance(n, start int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	sort.SliceStable(out, func(a, b int) bool {
		return abs(out[a]-start) < abs(out[b]-start)
	})
	return out
}

func closestIndex(values []int, v int) int {
	best := 0
	for i, x := range values {
		if abs(x-v) < abs(values[best]-v) {
			best = i
		}
	}
	return best
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
