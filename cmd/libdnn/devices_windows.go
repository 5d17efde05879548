//go:build windows

package main

import (
	"github.com/born-ml/libdnn/backend/webgpu"
	"github.com/born-ml/libdnn/conv"
)

func init() {
	devices["webgpu"] = func() (conv.Device, func(), error) {
		gpu, err := webgpu.New()
		if err != nil {
			return nil, nil, err
		}
		return gpu, gpu.Release, nil
	}
}
