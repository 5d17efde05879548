package engine

import (
	"fmt"

	"github.com/born-ml/libdnn/internal/conv"
	"github.com/born-ml/libdnn/internal/device"
	"github.com/born-ml/libdnn/internal/tuner"
)

// Tuning parameter names.
const (
	ParamWorkgroup0   = "workgroup_size_0"
	ParamWorkgroup1   = "workgroup_size_1"
	ParamTSK          = "TSK"
	ParamTSKUnroll    = "TSK_UNROLL"
	ParamWPTM         = "WPTM"
	ParamWPTN         = "WPTN"
	ParamVWM          = "VWM"
	ParamVWN          = "VWN"
	ParamPadA         = "lmem_pad_A"
	ParamPadB         = "lmem_pad_B"
	ParamVectorUnroll = "vector_unroll"
)

var vectorWidths = []int{1, 2, 4, 8, 16}

// divides reports (v[0]*v[1]) % v[2] == 0.
func divides(v ...int) bool { return (v[0]*v[1])%v[2] == 0 }

// multiple reports v[0] % v[1] == 0.
func multiple(v ...int) bool { return v[0]%v[1] == 0 }

// newSpace declares the tuning space of one kernel for a device.
func newSpace(m conv.Mode, limits device.Limits, family device.Family) (*tuner.Set, error) {
	s := tuner.NewSet(m.String())
	decls := []func() error{
		func() error {
			return s.AddSet(ParamWorkgroup0, tuner.RangeValues(4, max(4, limits.MaxWorkgroupSize[0]), 4), 16)
		},
		func() error {
			return s.AddSet(ParamWorkgroup1, tuner.RangeValues(4, max(4, limits.MaxWorkgroupSize[1]), 4), 16)
		},
		func() error { return s.AddRange(ParamTSK, 1, 32, 1, 8) },
		func() error { return s.AddRange(ParamTSKUnroll, 1, 16, 1, 1) },
		func() error { return s.AddRange(ParamWPTM, 4, 16, 4, 4) },
		func() error { return s.AddRange(ParamWPTN, 4, 16, 4, 4) },
		func() error { return s.AddSet(ParamVWM, vectorWidths, 4) },
		func() error { return s.AddSet(ParamVWN, vectorWidths, 4) },
		func() error { return s.AddRange(ParamPadA, 0, 8, 1, 0) },
		func() error { return s.AddRange(ParamPadB, 0, 8, 1, 0) },
		func() error { return s.AddBool(ParamVectorUnroll, true, family == device.FamilyWebGPU) },

		func() error {
			return s.AddConstraint("TSK_WPTM_WG1", []string{ParamTSK, ParamWPTM, ParamWorkgroup1}, ParamTSK, divides)
		},
		func() error {
			return s.AddConstraint("TSK_WPTN_WG0", []string{ParamTSK, ParamWPTN, ParamWorkgroup0}, ParamTSK, divides)
		},
		func() error {
			return s.AddConstraint("TSK_TSK_UNROLL", []string{ParamTSK, ParamTSKUnroll}, ParamTSKUnroll, multiple)
		},
		func() error { return s.AddConstraint("WPTM_VWM", []string{ParamWPTM, ParamVWM}, ParamWPTM, multiple) },
		func() error { return s.AddConstraint("WPTN_VWN", []string{ParamWPTN, ParamVWN}, ParamWPTN, multiple) },
		func() error {
			return s.AddConstraint("WG_INVOCATIONS", []string{ParamWorkgroup0, ParamWorkgroup1}, ParamWorkgroup0,
				func(v ...int) bool { return v[0]*v[1] <= limits.MaxInvocations })
		},
	}
	for _, decl := range decls {
		if err := decl(); err != nil {
			return nil, fmt.Errorf("libdnn: %s parameter space: %w", m, err)
		}
	}
	return s, nil
}

// tileParams reads the current assignment of a set.
func tileParams(s *tuner.Set) conv.TileParams {
	return conv.TileParams{
		WorkgroupSize0: s.Int(ParamWorkgroup0),
		WorkgroupSize1: s.Int(ParamWorkgroup1),
		TSK:            s.Int(ParamTSK),
		TSKUnroll:      s.Int(ParamTSKUnroll),
		WPTM:           s.Int(ParamWPTM),
		WPTN:           s.Int(ParamWPTN),
		VWM:            s.Int(ParamVWM),
		VWN:            s.Int(ParamVWN),
		PadA:           s.Int(ParamPadA),
		PadB:           s.Int(ParamPadB),
		VectorUnroll:   s.Bool(ParamVectorUnroll),
	}
}
