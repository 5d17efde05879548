package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/born-ml/libdnn/conv"
	"github.com/born-ml/libdnn/internal/tuner"
	"github.com/born-ml/libdnn/internal/tunecache"
)

type tuneFlags struct {
	commonFlags
	cache      string
	method     string
	iterations int
	batch      int
	seed       uint64
	jobs       int
	force      bool
	exhaustive bool
}

func newTuneCmd() *cobra.Command {
	var f tuneFlags
	cmd := &cobra.Command{
		Use:   "tune",
		Short: "Tune the kernels of each layer",
		Long: "Tune the three kernels of each layer and store the best tiles in the\n" +
			"cache. Layers already in the cache are skipped unless --force is set.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTune(cmd.Context(), cmd.OutOrStdout(), f.logger(cmd.ErrOrStderr()), &f)
		},
	}
	f.register(cmd.Flags())
	fs := cmd.Flags()
	fs.StringVar(&f.cache, "cache", "", "tuning cache file to read and update")
	fs.StringVar(&f.method, "method", tuner.Annealing.String(), "search method (annealing|bruteforce|random)")
	fs.IntVarP(&f.iterations, "iterations", "n", tuner.DefaultOptions().Iterations, "candidates per kernel")
	fs.IntVarP(&f.batch, "batch", "b", 1, "batch size for layers that do not set one")
	fs.Uint64Var(&f.seed, "seed", tuner.DefaultOptions().Seed, "random seed")
	fs.IntVarP(&f.jobs, "jobs", "j", 1, "layers tuned concurrently")
	fs.BoolVar(&f.force, "force", false, "retune layers found in the cache")
	fs.BoolVar(&f.exhaustive, "exhaustive", false, "let bruteforce with --iterations 0 walk the whole space")
	return cmd
}

// tuned is the outcome for one layer.
type tuned struct {
	name        string
	fingerprint string
	cached      bool
	scores      [conv.NumModes]float64
}

// newEngine creates the engine of a layer, starting from its cached tuning
// when the cache holds one.
func newEngine(dev conv.Device, l *layerSpec, cache *tunecache.Cache, log *slog.Logger) (*conv.Engine, error) {
	cfg, err := l.config()
	if err != nil {
		return nil, err
	}
	e, err := conv.New(dev, cfg, conv.WithLogger(log.With("layer", l.Name)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.Name, err)
	}
	if entry, ok := cache.Get(e.Fingerprint()); ok {
		if err := e.ApplyTuning(entry.Snapshots()); err != nil {
			return nil, fmt.Errorf("%s: cached tuning: %w", l.Name, err)
		}
	}
	return e, nil
}

func runTune(ctx context.Context, w io.Writer, log *slog.Logger, f *tuneFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	layers, err := readLayers(f.layers)
	if err != nil {
		return err
	}
	method, err := tuner.ParseMethod(f.method)
	if err != nil {
		return err
	}
	cache := tunecache.New()
	if f.cache != "" {
		if cache, err = tunecache.Load(f.cache); err != nil {
			return err
		}
	}
	dev, release, err := openDevice(f.device)
	if err != nil {
		return err
	}
	defer release()

	opts := tuner.DefaultOptions()
	opts.Method = method
	opts.Iterations = f.iterations
	opts.Seed = f.seed
	opts.Exhaustive = f.exhaustive

	results := make([]tuned, len(layers))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(f.jobs, 1))
	for i := range layers {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			l := &layers[i]
			e, err := newEngine(dev, l, cache, log)
			if err != nil {
				return err
			}
			fp := e.Fingerprint()
			results[i] = tuned{name: l.Name, fingerprint: fp}
			if _, ok := cache.Get(fp); ok && !f.force {
				results[i].cached = true
				log.Info("cached", "layer", l.Name)
				return nil
			}
			batch := f.batch
			if l.Batch > 0 {
				batch = l.Batch
			}
			res, err := e.TuneAll(batch, opts)
			if err != nil {
				return fmt.Errorf("%s: %w", l.Name, err)
			}
			for m := range res {
				results[i].scores[m] = res[m].BestScore
			}
			cache.Put(fp, tunecache.NewEntry(e.TuningSnapshot(), res[conv.Forward].BestScore))
			return nil
		})
	}
	err = g.Wait()

	// Finished layers are kept even when another one failed.
	if f.cache != "" {
		if serr := cache.Save(f.cache); serr != nil && err == nil {
			err = serr
		}
	}
	if err != nil {
		return err
	}
	return report(w, results)
}

func report(w io.Writer, results []tuned) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LAYER\tFW\tBW\tWG\tFINGERPRINT")
	for _, r := range results {
		if r.cached {
			fmt.Fprintf(tw, "%s\tcached\tcached\tcached\t%s\n", r.name, r.fingerprint)
			continue
		}
		fmt.Fprintf(tw, "%s\t%.4g\t%.4g\t%.4g\t%s\n", r.name,
			r.scores[conv.Forward], r.scores[conv.BackwardData], r.scores[conv.BackwardWeights], r.fingerprint)
	}
	return tw.Flush()
}
