package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/born-ml/libdnn/conv"
	"github.com/born-ml/libdnn/internal/codegen"
	internalconv "github.com/born-ml/libdnn/internal/conv"
	"github.com/born-ml/libdnn/internal/tunecache"
)

type generateFlags struct {
	commonFlags
	mode  string
	cache string
	layer string
}

func newGenerateCmd() *cobra.Command {
	var f generateFlags
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Print the generated WGSL of each layer",
		Long: "Print the generated WGSL of each layer. Tuned tiles are taken from\n" +
			"the cache when one is given and holds the layer, defaults otherwise.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGenerate(cmd.OutOrStdout(), &f)
		},
	}
	f.register(cmd.Flags())
	cmd.Flags().StringVarP(&f.mode, "mode", "m", "all", "kernel to print (all|fw|bw|wg)")
	cmd.Flags().StringVar(&f.cache, "cache", "", "tuning cache to take tiles from")
	cmd.Flags().StringVarP(&f.layer, "layer", "l", "", "only print the named layer")
	return cmd
}

func runGenerate(w io.Writer, f *generateFlags) error {
	layers, err := readLayers(f.layers)
	if err != nil {
		return err
	}
	modes := internalconv.Modes[:]
	if f.mode != "all" {
		m, err := internalconv.ParseMode(f.mode)
		if err != nil {
			return err
		}
		modes = []conv.Mode{m}
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

	found := false
	for i := range layers {
		l := &layers[i]
		if f.layer != "" && l.Name != f.layer {
			continue
		}
		found = true
		e, err := newEngine(dev, l, cache, f.logger(io.Discard))
		if err != nil {
			return err
		}
		cfg := e.Config()
		for _, m := range modes {
			text, err := codegen.GenerateMode(&cfg, e.Tiles(), dev.Name(), m)
			if err != nil {
				return fmt.Errorf("%s: %w", l.Name, err)
			}
			fmt.Fprintf(w, "// layer %s, kernel %s\n%s\n", l.Name, m.KernelName(), text)
		}
	}
	if !found {
		return fmt.Errorf("no layer named %q", f.layer)
	}
	return nil
}

func newFingerprintCmd() *cobra.Command {
	var f commonFlags
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the kernel fingerprint of each layer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			layers, err := readLayers(f.layers)
			if err != nil {
				return err
			}
			dev, release, err := openDevice(f.device)
			if err != nil {
				return err
			}
			defer release()
			for i := range layers {
				cfg, err := layers[i].config()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", layers[i].Name, cfg.Fingerprint(dev.Name()))
			}
			return nil
		},
	}
	f.register(cmd.Flags())
	return cmd
}
