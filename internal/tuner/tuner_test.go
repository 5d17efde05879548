package tuner

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// convSpace mirrors the space declared for each convolution mode.
func convSpace(t *testing.T, maxWG, maxInvocations int) *Set {
	t.Helper()
	s := NewSet("fw")
	wg := RangeValues(4, maxWG, 4)
	require.NoError(t, s.AddSet("workgroup_size_0", wg, 16))
	require.NoError(t, s.AddSet("workgroup_size_1", wg, 16))
	require.NoError(t, s.AddRange("TSK", 1, 32, 1, 8))
	require.NoError(t, s.AddRange("TSK_UNROLL", 1, 16, 1, 1))
	require.NoError(t, s.AddRange("WPTM", 4, 16, 4, 4))
	require.NoError(t, s.AddRange("WPTN", 4, 16, 4, 4))
	require.NoError(t, s.AddSet("VWM", []int{1, 2, 4, 8, 16}, 4))
	require.NoError(t, s.AddSet("VWN", []int{1, 2, 4, 8, 16}, 4))
	require.NoError(t, s.AddRange("lmem_pad_A", 0, 8, 1, 0))
	require.NoError(t, s.AddRange("lmem_pad_B", 0, 8, 1, 0))
	require.NoError(t, s.AddBool("vector_unroll", true, true))

	divides := func(v ...int) bool { return (v[0]*v[1])%v[2] == 0 }
	require.NoError(t, s.AddConstraint("TSK_WPTM_WG1",
		[]string{"TSK", "WPTM", "workgroup_size_1"}, "TSK", divides))
	require.NoError(t, s.AddConstraint("TSK_WPTN_WG0",
		[]string{"TSK", "WPTN", "workgroup_size_0"}, "TSK", divides))
	require.NoError(t, s.AddConstraint("TSK_TSK_UNROLL",
		[]string{"TSK", "TSK_UNROLL"}, "TSK_UNROLL", func(v ...int) bool { return v[0]%v[1] == 0 }))
	require.NoError(t, s.AddConstraint("WPTM_VWM",
		[]string{"WPTM", "VWM"}, "WPTM", func(v ...int) bool { return v[0]%v[1] == 0 }))
	require.NoError(t, s.AddConstraint("WPTN_VWN",
		[]string{"WPTN", "VWN"}, "WPTN", func(v ...int) bool { return v[0]%v[1] == 0 }))
	require.NoError(t, s.AddConstraint("WG_INVOCATIONS",
		[]string{"workgroup_size_0", "workgroup_size_1"}, "workgroup_size_0",
		func(v ...int) bool { return v[0]*v[1] <= maxInvocations }))
	return s
}

func TestDefaultsAreValid(t *testing.T) {
	s := convSpace(t, 64, 256)
	require.NoError(t, s.Validate())
	assert.Equal(t, 16, s.Int("workgroup_size_0"))
	assert.Equal(t, 8, s.Int("TSK"))
	assert.True(t, s.Bool("vector_unroll"))
}

func TestSetAdaptsDependent(t *testing.T) {
	s := convSpace(t, 64, 256)

	// TSK=3 breaks TSK*WPTM % 16; TSK must move to a multiple of 4.
	require.NoError(t, s.Set("TSK", 3))
	assert.Zero(t, s.Int("TSK")%4)
	require.NoError(t, s.Validate())

	// VWM=8 forces WPTM to a multiple of 8.
	require.NoError(t, s.Set("VWM", 8))
	assert.Zero(t, s.Int("WPTM")%8)
	require.NoError(t, s.Validate())

	// TSK_UNROLL must divide TSK.
	require.NoError(t, s.Set("TSK_UNROLL", 3))
	assert.Zero(t, s.Int("TSK")%s.Int("TSK_UNROLL"))
}

func TestSetRevertsWhenUnsatisfiable(t *testing.T) {
	s := convSpace(t, 256, 256)
	before := s.Snapshot()

	// workgroup_size_1=256 needs TSK*WPTM % 256 == 0, beyond TSK's range.
	err := s.Set("workgroup_size_1", 256)
	require.ErrorIs(t, err, ErrUnsatisfiable)
	assert.Empty(t, cmp.Diff(before, s.Snapshot()))
	require.NoError(t, s.Validate())
}

func TestSetErrors(t *testing.T) {
	s := convSpace(t, 64, 256)
	assert.ErrorIs(t, s.Set("nope", 1), ErrUnknownParam)
	assert.ErrorIs(t, s.Set("VWM", 3), ErrOutOfDomain)
	assert.ErrorIs(t, s.AddRange("TSK", 1, 2, 1, 1), ErrDuplicateParam)
	assert.ErrorIs(t, s.AddRange("empty", 4, 1, 1, 1), ErrEmptyDomain)

	require.NoError(t, s.AddBool("fixed", true, false))
	assert.ErrorIs(t, s.SetBool("fixed", false), ErrFixedParam)
	assert.NoError(t, s.SetBool("fixed", true))
	assert.Panics(t, func() { s.Int("nope") })
}

func TestRandomMutationsStayValid(t *testing.T) {
	s := convSpace(t, 64, 256)
	rng := rand.New(rand.NewPCG(7, 11))
	params := s.Params()
	for i := 0; i < 2000; i++ {
		p := params[rng.IntN(len(params))]
		v := p.Values[rng.IntN(len(p.Values))]
		_ = s.Set(p.Name, v)
		require.NoError(t, s.Validate(), "after %s=%d: %s", p.Name, v, s.Snapshot())
	}
}

func TestDefaultClampedToDomain(t *testing.T) {
	s := NewSet("small")
	require.NoError(t, s.AddSet("workgroup_size_0", RangeValues(4, 8, 4), 16))
	assert.Equal(t, 8, s.Int("workgroup_size_0"))
}

func TestSnapshotRestoreReset(t *testing.T) {
	s := convSpace(t, 64, 256)
	require.NoError(t, s.Set("WPTN", 8))
	snap := s.Snapshot()

	require.NoError(t, s.Reset())
	assert.Equal(t, 4, s.Int("WPTN"))

	require.NoError(t, s.Restore(snap))
	assert.Empty(t, cmp.Diff(snap, s.Snapshot()))

	assert.ErrorIs(t, s.Restore(Snapshot{"bogus": 1}), ErrUnknownParam)
	assert.Empty(t, cmp.Diff(snap, s.Snapshot()))
}

// peakObjective scores assignments by closeness to a target point.
func peakObjective(s *Set, target Snapshot) Objective {
	return Objective{
		Setup: func() error { return nil },
		Benchmark: func() (float64, error) {
			dist := 0
			for name, v := range target {
				dist += abs(s.Int(name) - v)
			}
			return 1 / float64(1+dist), nil
		},
	}
}

func TestAnnealingBestIsMonotonic(t *testing.T) {
	s := convSpace(t, 64, 256)
	target := Snapshot{"TSK": 16, "WPTM": 8, "WPTN": 8, "lmem_pad_A": 3}

	opts := DefaultOptions()
	opts.Iterations = 300
	res, err := Tune(s, peakObjective(s, target), opts)
	require.NoError(t, err)
	require.NotEmpty(t, res.History)

	for i := 1; i < len(res.History); i++ {
		assert.GreaterOrEqual(t, res.History[i].Best, res.History[i-1].Best)
	}
	assert.Equal(t, res.BestScore, res.History[len(res.History)-1].Best)
	assert.GreaterOrEqual(t, res.BestScore, res.History[0].Score)

	// The set is left at the best assignment.
	assert.Empty(t, cmp.Diff(res.Best, s.Snapshot()))
	require.NoError(t, s.Validate())
}

func TestTuneScoresFailuresAndPanics(t *testing.T) {
	s := convSpace(t, 64, 256)
	calls := 0
	obj := Objective{
		Setup: func() error {
			calls++
			switch {
			case s.Int("TSK") > 8:
				return errors.New("compile failed")
			case s.Int("lmem_pad_B") == 2:
				panic("driver fault")
			}
			return nil
		},
		Benchmark: func() (float64, error) {
			return float64(s.Int("TSK")), nil
		},
	}
	opts := DefaultOptions()
	opts.Iterations = 100
	opts.MaxFailures = 0
	res, err := Tune(s, obj, opts)
	require.NoError(t, err)
	assert.Greater(t, calls, 1)
	assert.LessOrEqual(t, s.Int("TSK"), 8)
	assert.NotEqual(t, 2, s.Int("lmem_pad_B"))
	for _, r := range res.History {
		if r.Params["TSK"] > 8 || r.Params["lmem_pad_B"] == 2 {
			assert.Equal(t, FailedScore, r.Score)
			assert.False(t, r.Accepted || r.Iteration == 0)
		}
	}
}

func TestTuneStopsAfterMaxFailures(t *testing.T) {
	s := convSpace(t, 64, 256)
	obj := Objective{
		Setup:     func() error { return errors.New("always fails") },
		Benchmark: func() (float64, error) { return 1, nil },
	}
	opts := DefaultOptions()
	opts.Iterations = 1000
	opts.MaxFailures = 5
	res, err := Tune(s, obj, opts)
	require.NoError(t, err)
	assert.Len(t, res.History, 5)
	assert.Equal(t, FailedScore, res.BestScore)
}

func TestBruteForceFindsOptimum(t *testing.T) {
	s := NewSet("small")
	require.NoError(t, s.AddRange("a", 1, 6, 1, 1))
	require.NoError(t, s.AddRange("b", 1, 6, 1, 1))
	require.NoError(t, s.AddConstraint("b_divides_a", []string{"a", "b"}, "b",
		func(v ...int) bool { return v[0]%v[1] == 0 }))

	target := Snapshot{"a": 6, "b": 3}
	opts := DefaultOptions()
	opts.Method = BruteForce
	opts.Iterations = 0
	opts.Exhaustive = true
	res, err := Tune(s, peakObjective(s, target), opts)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(target, res.Best))
	// Pairs with b dividing a, for a in 1..6.
	assert.Len(t, res.History, 14)

	// Every evaluated candidate satisfied the constraint.
	for _, r := range res.History {
		assert.Zero(t, r.Params["a"]%r.Params["b"])
	}
}

func TestBruteForceBoundedByDefault(t *testing.T) {
	s := convSpace(t, 64, 256)
	evaluated := 0
	obj := peakObjective(s, Snapshot{"TSK": 16})
	obj.Setup = func() error {
		evaluated++
		return nil
	}
	opts := DefaultOptions()
	opts.Method = BruteForce
	opts.Iterations = 0
	res, err := Tune(s, obj, opts)
	require.NoError(t, err)
	assert.NotEmpty(t, res.History)
	assert.LessOrEqual(t, len(res.History), MaxBruteForce)
	assert.Equal(t, len(res.History), evaluated)
	require.NoError(t, s.Validate())

	opts.Iterations = 10
	res, err = Tune(s, peakObjective(s, Snapshot{"TSK": 16}), opts)
	require.NoError(t, err)
	assert.Len(t, res.History, 10)
}

func TestRandomSearch(t *testing.T) {
	s := convSpace(t, 32, 256)
	opts := DefaultOptions()
	opts.Method = Random
	opts.Iterations = 50
	res, err := Tune(s, peakObjective(s, Snapshot{"TSK": 4}), opts)
	require.NoError(t, err)
	assert.Greater(t, len(res.History), 1)
	require.NoError(t, s.Validate())
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("bruteforce")
	require.NoError(t, err)
	assert.Equal(t, BruteForce, m)
	_, err = ParseMethod("genetic")
	assert.Error(t, err)
}

func TestTimedScore(t *testing.T) {
	score, err := TimedScore(func() error { return nil })
	require.NoError(t, err)
	assert.Greater(t, score, 0.0)

	score, err = TimedScore(func() error { return errors.New("launch failed") })
	assert.Error(t, err)
	assert.Equal(t, FailedScore, score)
}
