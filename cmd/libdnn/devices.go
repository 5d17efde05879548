package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/born-ml/libdnn/backend/cpu"
	"github.com/born-ml/libdnn/conv"
)

const deviceRef = "ref"

// opener creates a device and the function releasing it.
type opener func() (conv.Device, func(), error)

// devices lists the devices available on this platform.
var devices = map[string]opener{
	deviceRef: func() (conv.Device, func(), error) {
		return cpu.New(), func() {}, nil
	},
}

func deviceNames() string {
	names := lo.Keys(devices)
	slices.Sort(names)
	return strings.Join(names, "|")
}

func openDevice(name string) (conv.Device, func(), error) {
	open, ok := devices[name]
	if !ok {
		return nil, nil, fmt.Errorf("unknown device %q (want %s)", name, deviceNames())
	}
	return open()
}
