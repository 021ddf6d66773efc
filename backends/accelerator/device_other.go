// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build !windows

package accelerator

import "github.com/gomlx/tensorexpr/types/errs"

// device is not available: the WebGPU bindings are only wired on Windows.
type device struct{}

type pipeline struct{}

func openDevice() (*device, error) {
	return nil, errs.Unavailablef("accelerator: WebGPU is only supported on windows")
}

func (d *device) compile(*Shader) (*pipeline, error) {
	return nil, errs.Unavailablef("accelerator: no device")
}

func (d *device) run(*Shader, *pipeline, [][]byte) ([][]byte, error) {
	return nil, errs.Unavailablef("accelerator: no device")
}

func (pl *pipeline) release() {}
