package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/born-ml/libdnn/conv"
	internalconv "github.com/born-ml/libdnn/internal/conv"
	"github.com/born-ml/libdnn/internal/tensor"
)

// layerFile is the YAML description of a network's convolution layers.
//
//	layers:
//	  - name: conv1
//	    fmaps_in: 3
//	    fmaps_out: 64
//	    in_shape: [224, 224]
//	    kernel: [7, 7]
//	    stride: [2, 2]
//	    pad: [3, 3]
//	    bias: true
type layerFile struct {
	Layers []layerSpec `yaml:"layers"`
}

type layerSpec struct {
	Name     string `yaml:"name"`
	FmapsIn  int    `yaml:"fmaps_in"`
	FmapsOut int    `yaml:"fmaps_out"`
	InShape  []int  `yaml:"in_shape"`
	Kernel   []int  `yaml:"kernel"`

	// Stride and dilation default to 1, pad to 0, per axis.
	Stride   []int `yaml:"stride,omitempty"`
	Pad      []int `yaml:"pad,omitempty"`
	Dilation []int `yaml:"dilation,omitempty"`
	Group    int   `yaml:"group,omitempty"`
	Bias     bool  `yaml:"bias,omitempty"`

	// Frozen layers skip the weight and bias gradients.
	Frozen   bool   `yaml:"frozen,omitempty"`
	BwAlgo   string `yaml:"bw_algo,omitempty"`
	WgAlgo   string `yaml:"wg_algo,omitempty"`
	DataType string `yaml:"data_type,omitempty"`
	Batch    int    `yaml:"batch,omitempty"`
}

var errNoLayers = errors.New("no layers")

func readLayers(path string) ([]layerSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeLayers(f)
}

func decodeLayers(r io.Reader) ([]layerSpec, error) {
	var lf layerFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&lf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errNoLayers
		}
		return nil, fmt.Errorf("parse layers: %w", err)
	}
	if len(lf.Layers) == 0 {
		return nil, errNoLayers
	}
	for i := range lf.Layers {
		if lf.Layers[i].Name == "" {
			lf.Layers[i].Name = fmt.Sprintf("layer%d", i)
		}
	}
	return lf.Layers, nil
}

func fill(v []int, n, def int) []int {
	if len(v) > 0 {
		return v
	}
	out := make([]int, n)
	for i := range out {
		out[i] = def
	}
	return out
}

// config maps the layer to an engine configuration.
func (l *layerSpec) config() (conv.Config, error) {
	n := len(l.Kernel)
	cfg := conv.Config{
		FmapsIn:         l.FmapsIn,
		FmapsOut:        l.FmapsOut,
		InShape:         l.InShape,
		Kernel:          l.Kernel,
		Stride:          fill(l.Stride, n, 1),
		Pad:             fill(l.Pad, n, 0),
		Dilation:        fill(l.Dilation, n, 1),
		Group:           max(l.Group, 1),
		BiasTerm:        l.Bias,
		WeightsBackward: !l.Frozen,
		BiasBackward:    !l.Frozen && l.Bias,
		DataType:        conv.Float32,
	}
	if len(cfg.InShape) != n || len(cfg.Stride) != n || len(cfg.Pad) != n || len(cfg.Dilation) != n {
		return cfg, fmt.Errorf("%s: %w: axis counts differ", l.Name, conv.ErrInvalidConfig)
	}
	cfg.OutShape = conv.OutputShape(cfg.InShape, cfg.Kernel, cfg.Stride, cfg.Pad, cfg.Dilation)

	var err error
	if cfg.BwAlgo, err = internalconv.ParseBwAlgo(l.BwAlgo); err != nil {
		return cfg, fmt.Errorf("%s: %w", l.Name, err)
	}
	if cfg.WgAlgo, err = internalconv.ParseWgAlgo(l.WgAlgo); err != nil {
		return cfg, fmt.Errorf("%s: %w", l.Name, err)
	}
	if l.DataType != "" {
		if cfg.DataType, err = tensor.ParseDataType(l.DataType); err != nil {
			return cfg, fmt.Errorf("%s: %w", l.Name, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", l.Name, err)
	}
	return cfg, nil
}
