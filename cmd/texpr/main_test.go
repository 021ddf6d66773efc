// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"

	"github.com/gomlx/tensorexpr/backends"
	"github.com/gomlx/tensorexpr/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarios(t *testing.T) {
	interpreter := backends.NewSelector().SetPriority(backends.KindInterpreter)
	native := backends.NewSelector().SetPriority(backends.KindNative)
	for _, s := range scenarios {
		t.Run(s.name, func(t *testing.T) {
			g, args := s.build()
			want, kinds, err := kernel.New(g).SetSelector(interpreter).RunWithBackends(args...)
			require.NoError(t, err)
			for _, kind := range kinds {
				require.Equal(t, backends.KindInterpreter, kind)
			}
			got, err := kernel.New(g).SetSelector(native).Run(args...)
			require.NoError(t, err)
			require.Len(t, got, len(want))
			for ii := range want {
				require.Equal(t, want[ii].Shape(), got[ii].Shape(), "output #%d", ii)
				require.True(t, want[ii].InDelta(got[ii], 1e-6), "output #%d: interpreter %s, native %s", ii, want[ii], got[ii])
			}
		})
	}
}

func TestRunAll(t *testing.T) {
	selected, err := selectScenarios("chunk, cat,")
	require.NoError(t, err)
	require.Len(t, selected, 2)

	ticks := 0
	results := runAll(selected, 3, backends.NewSelector(), func() { ticks++ })
	assert.Equal(t, 6, ticks)
	require.Len(t, results, 2)
	for _, r := range results {
		require.NoError(t, r.err)
		assert.Equal(t, 1, r.outputs)
		assert.Equal(t, "native", r.backendsString())
	}
	assert.Equal(t, 1024*512, results[0].elements)
	assert.Equal(t, uint64(1024*2048*4), results[1].bytes)

	all, err := selectScenarios("")
	require.NoError(t, err)
	assert.Len(t, all, len(scenarios))

	_, err = selectScenarios("chunk,unknown")
	require.Error(t, err)
}
