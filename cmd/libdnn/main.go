// Command libdnn generates, fingerprints and autotunes convolution kernels
// for the layers described in a YAML file.
//
// Usage:
//
//	libdnn generate -c layers.yaml --mode fw      # print WGSL
//	libdnn fingerprint -c layers.yaml             # print kernel fingerprints
//	libdnn tune -c layers.yaml --cache tune.yaml  # tune and store the best tiles
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const version = "v0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "libdnn",
		Short:         "Autotuned convolution kernels for WebGPU",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(
		newGenerateCmd(),
		newFingerprintCmd(),
		newTuneCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Show version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "libdnn %s\n", version)
			},
		},
	)
	return root
}

// commonFlags are shared by every layer command.
type commonFlags struct {
	layers  string
	device  string
	verbose bool
}

func (f *commonFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.layers, "config", "c", "layers.yaml", "YAML file describing the layers")
	fs.StringVarP(&f.device, "device", "d", deviceRef, "device to build for ("+deviceNames()+")")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "log tuning progress")
}

func (f *commonFlags) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if f.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
