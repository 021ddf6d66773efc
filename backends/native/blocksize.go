// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package native

import "golang.org/x/sys/cpu"

// DefaultBlockSize is the number of elements evaluated per block, picked from the CPU features:
// wider vector units get larger blocks.
var DefaultBlockSize = defaultBlockSize()

func defaultBlockSize() int {
	switch {
	case cpu.X86.HasAVX512F:
		return 2048
	case cpu.X86.HasAVX2, cpu.ARM64.HasASIMD:
		return 1024
	default:
		return 512
	}
}
