package tuner

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// FailedScore is the score of a candidate that could not be built or run.
const FailedScore = -1.0

// MaxBruteForce caps the candidates a BruteForce search evaluates when
// Iterations is zero and Exhaustive is unset.
const MaxBruteForce = 4096

// maxBruteForceScan caps the raw assignments a non-exhaustive BruteForce
// search inspects, valid or not.
const maxBruteForceScan = 64 * MaxBruteForce

// Method selects the search strategy.
type Method int

// Search strategies.
const (
	Annealing Method = iota
	BruteForce
	Random
)

// String returns the method name.
func (m Method) String() string {
	switch m {
	case Annealing:
		return "annealing"
	case BruteForce:
		return "bruteforce"
	case Random:
		return "random"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// ParseMethod parses a method name.
func ParseMethod(s string) (Method, error) {
	for _, m := range []Method{Annealing, BruteForce, Random} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("tuner: unknown method %q", s)
}

// Options configures a search.
type Options struct {
	Method Method
	// Iterations is the number of candidates evaluated after the starting
	// point. Zero means MaxBruteForce for BruteForce.
	Iterations int
	// Exhaustive lets a BruteForce search with zero Iterations walk the
	// whole space.
	Exhaustive bool
	// Temperature is the initial annealing temperature, Cooling its
	// per-iteration multiplier.
	Temperature float64
	Cooling     float64
	Seed        uint64
	// MaxFailures ends the search after that many consecutive failed
	// candidates. Zero disables the early exit.
	MaxFailures int
	Logger      *slog.Logger
}

// DefaultOptions returns the default annealing schedule.
func DefaultOptions() Options {
	return Options{
		Method:      Annealing,
		Iterations:  64,
		Temperature: 1.0,
		Cooling:     0.95,
		Seed:        1,
		MaxFailures: 16,
	}
}

// Objective is the function a search maximizes. Setup builds the candidate
// held by the set (generate and compile); Benchmark runs it once and returns
// a score where higher is better.
type Objective struct {
	Setup     func() error
	Benchmark func() (float64, error)
}

// Record is one evaluated candidate.
type Record struct {
	Iteration int
	Params    Snapshot
	Score     float64
	Accepted  bool
	// Best is the best score seen up to and including this record.
	Best float64
}

// Result is the outcome of a search. The set is left at Best.
type Result struct {
	Best      Snapshot
	BestScore float64
	History   []Record
}

// TimedScore runs f once and scores it as the inverse of elapsed
// microseconds.
func TimedScore(f func() error) (float64, error) {
	start := time.Now()
	if err := f(); err != nil {
		return FailedScore, err
	}
	us := float64(time.Since(start).Nanoseconds()) / 1e3
	if us <= 0 {
		us = 1e-3
	}
	return 1 / us, nil
}

type search struct {
	set    *Set
	obj    Objective
	opts   Options
	log    *slog.Logger
	rng    *rand.Rand
	result Result
	fails  int
}

// Tune searches the set for the assignment with the highest score. Candidate
// failures are scored FailedScore and never abort the search. On return the
// set holds the best assignment found; the caller must rebuild with it.
func Tune(set *Set, obj Objective, opts Options) (Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &search{
		set:  set,
		obj:  obj,
		opts: opts,
		log:  logger.With("set", set.Name(), "method", opts.Method.String()),
		rng:  rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
	}
	s.result.BestScore = math.Inf(-1)
	start := set.Snapshot()

	switch opts.Method {
	case Annealing:
		s.anneal()
	case BruteForce:
		s.bruteForce()
	case Random:
		s.random()
	default:
		return Result{}, fmt.Errorf("tuner: unknown method %d", int(opts.Method))
	}

	if s.result.Best == nil {
		_ = set.Restore(start)
		return s.result, fmt.Errorf("tuner: %s: no candidate evaluated", set.Name())
	}
	if err := set.Restore(s.result.Best); err != nil {
		return s.result, err
	}
	s.log.Info("tuning finished",
		"best", s.result.Best.String(),
		"score", s.result.BestScore,
		"evaluated", len(s.result.History))
	return s.result, nil
}

// evaluate scores the set's current assignment. Panics inside the objective
// count as failures.
func (s *search) evaluate() (score float64) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Debug("candidate panicked", "panic", r)
			score = FailedScore
		}
	}()
	if err := s.obj.Setup(); err != nil {
		s.log.Debug("candidate setup failed", "params", s.set.Snapshot().String(), "error", err)
		return FailedScore
	}
	score, err := s.obj.Benchmark()
	if err != nil {
		s.log.Debug("candidate benchmark failed", "params", s.set.Snapshot().String(), "error", err)
		return FailedScore
	}
	return score
}

// record appends the candidate currently held by the set and returns whether
// the failure budget is exhausted.
func (s *search) record(iter int, score float64, accepted bool) bool {
	snap := s.set.Snapshot()
	if score > s.result.BestScore || s.result.Best == nil {
		s.result.BestScore = score
		s.result.Best = snap
	}
	s.result.History = append(s.result.History, Record{
		Iteration: iter,
		Params:    snap,
		Score:     score,
		Accepted:  accepted,
		Best:      s.result.BestScore,
	})
	s.log.Debug("candidate",
		"iteration", iter,
		"params", snap.String(),
		"score", score,
		"accepted", accepted)

	if score < 0 {
		s.fails++
	} else {
		s.fails = 0
	}
	return s.opts.MaxFailures > 0 && s.fails >= s.opts.MaxFailures
}

// mutable lists the parameters a neighbor move can change.
func (s *search) mutable() []*Param {
	var out []*Param
	for _, p := range s.set.Params() {
		if p.Mutable && len(p.Values) > 1 {
			out = append(out, p)
		}
	}
	return out
}

// neighbor moves one parameter a small number of domain steps. It returns
// false when the move could not be adapted into a valid assignment.
func (s *search) neighbor(params []*Param) bool {
	p := params[s.rng.IntN(len(params))]
	step := 1 + s.rng.IntN(2)
	if s.rng.IntN(2) == 0 {
		step = -step
	}
	idx := min(max(p.idx+step, 0), len(p.Values)-1)
	if idx == p.idx {
		idx = min(max(p.idx-step, 0), len(p.Values)-1)
	}
	return s.set.Set(p.Name, p.Values[idx]) == nil
}

func (s *search) anneal() {
	params := s.mutable()
	current := s.set.Snapshot()
	currentScore := s.evaluate()
	if s.record(0, currentScore, true) || len(params) == 0 {
		return
	}
	temp := s.opts.Temperature
	if temp <= 0 {
		temp = 1
	}
	cooling := s.opts.Cooling
	if cooling <= 0 || cooling >= 1 {
		cooling = DefaultOptions().Cooling
	}

	for iter := 1; iter <= s.opts.Iterations; iter++ {
		if !s.neighbor(params) {
			continue
		}
		score := s.evaluate()
		accepted := score > currentScore
		if !accepted && score >= 0 {
			delta := (score - currentScore) / math.Max(math.Abs(currentScore), 1e-12)
			accepted = s.rng.Float64() < math.Exp(delta/temp)
		}
		stop := s.record(iter, score, accepted)
		if accepted {
			current = s.set.Snapshot()
			currentScore = score
		} else {
			_ = s.set.Restore(current)
		}
		temp *= cooling
		if stop {
			s.log.Warn("too many failed candidates, stopping early", "iteration", iter)
			return
		}
	}
}

// bruteForce enumerates the raw space in mixed radix order and evaluates
// every assignment that satisfies the constraints without adaptation. Unless
// the search is exhaustive, both the evaluations and the raw assignments
// inspected are bounded.
func (s *search) bruteForce() {
	params := s.mutable()
	counter := make([]int, len(params))
	limit := s.opts.Iterations
	if limit <= 0 && !s.opts.Exhaustive {
		limit = MaxBruteForce
	}
	iter := 0
	for visited := 1; ; visited++ {
		for i, p := range params {
			p.idx = counter[i]
		}
		if len(s.set.Violations()) == 0 {
			score := s.evaluate()
			if s.record(iter, score, true) {
				return
			}
			iter++
			if limit > 0 && iter >= limit {
				return
			}
		}
		// Advance the counter.
		i := 0
		for ; i < len(params); i++ {
			counter[i]++
			if counter[i] < len(params[i].Values) {
				break
			}
			counter[i] = 0
		}
		if i == len(params) {
			return
		}
		if !s.opts.Exhaustive && visited >= maxBruteForceScan {
			s.log.Warn("brute force scan limit reached", "visited", visited, "evaluated", iter)
			return
		}
	}
}

// random evaluates uniformly drawn assignments, adapted into validity.
func (s *search) random() {
	params := s.mutable()
	current := s.set.Snapshot()
	if s.record(0, s.evaluate(), true) {
		return
	}
	for iter := 1; iter <= s.opts.Iterations; iter++ {
		snap := current.Clone()
		for _, p := range params {
			snap[p.Name] = p.Values[s.rng.IntN(len(p.Values))]
		}
		if s.set.Restore(snap) != nil {
			continue
		}
		if s.record(iter, s.evaluate(), true) {
			return
		}
	}
}
