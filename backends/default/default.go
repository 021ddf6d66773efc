// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package _default includes the default backends, namely the interpreter, native and accelerator.
//
// To use it simply include:
//
//	import _ "github.com/gomlx/tensorexpr/backends/default"
//
// If you add the tag `noaccelerator` it will not include the accelerator: useful to avoid loading the
// WebGPU bindings.
package _default

import (
	_ "github.com/gomlx/tensorexpr/backends/interpreter"
	_ "github.com/gomlx/tensorexpr/backends/native"
)
