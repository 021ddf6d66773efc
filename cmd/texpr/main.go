// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// texpr runs the built-in suite of scenarios (graphs) through the tensorexpr kernels, and reports
// the backends used, the timings and the change of the diagnostic counters.
//
// Example:
//
//	texpr -backend=native,interpreter -reps=100 -scenario=chunk,cat
package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/tensorexpr/backends"
	_ "github.com/gomlx/tensorexpr/backends/default"
	"github.com/gomlx/tensorexpr/counters"
	"github.com/gomlx/tensorexpr/kernel"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagBackend = flag.String("backend", "",
		fmt.Sprintf("Comma-separated list of backends to try, in order of priority (e.g. %q). "+
			"If empty, it uses $%s or %q.", "native,interpreter", backends.TEXPR_BACKEND, backends.DefaultConfig))
	flagReps     = flag.Int("reps", 10, "Number of times each scenario is executed.")
	flagScenario = flag.String("scenario", "", "Comma-separated list of scenarios to run. If empty, all are run.")
	flagList     = flag.Bool("list", false, "List the scenarios and exit.")
	flagMinSize  = flag.Int("native_min_size", backends.NativeMinSize,
		"Minimum number of elements of the iteration space to use the native backend.")
)

var titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	lipgloss.SetColorProfile(termenv.NewOutput(os.Stdout).EnvColorProfile())

	if *flagList {
		table := newPlainTable(true, lipgloss.Left)
		table.Headers("scenario", "description")
		for _, s := range scenarios {
			table.Row(s.name, s.description)
		}
		fmt.Println(table.Render())
		return
	}

	selected, err := selectScenarios(*flagScenario)
	if err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
	selector := backends.NewSelector().SetNativeMinSize(*flagMinSize)
	if *flagBackend != "" {
		selector.SetPriority(must.M1(backends.ParsePriority(*flagBackend))...)
	}

	bar := progressbar.NewOptions(len(selected)*(*flagReps),
		progressbar.OptionSetDescription("running scenarios"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish())
	before := counters.Snapshot()
	results := runAll(selected, *flagReps, selector, func() { _ = bar.Add(1) })
	_ = bar.Finish()
	delta := counters.SnapshotDelta(before, counters.Snapshot())

	fmt.Println(titleStyle.Render("Scenarios"))
	fmt.Println(resultsTable(results).Render())
	fmt.Println(titleStyle.Render("Counters"))
	fmt.Println(countersTable(delta).Render())

	for _, r := range results {
		if r.err != nil {
			os.Exit(1)
		}
	}
}

// selectScenarios parses the comma-separated list of scenario names.
func selectScenarios(names string) ([]*scenario, error) {
	if strings.TrimSpace(names) == "" {
		selected := make([]*scenario, len(scenarios))
		for ii := range scenarios {
			selected[ii] = &scenarios[ii]
		}
		return selected, nil
	}
	var selected []*scenario
	for _, name := range strings.Split(names, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		s := findScenario(name)
		if s == nil {
			return nil, errors.Errorf("unknown scenario %q, use -list to see the available ones", name)
		}
		selected = append(selected, s)
	}
	return selected, nil
}

// result of running one scenario.
type result struct {
	scenario *scenario
	kinds    []backends.Kind
	outputs  int
	elements int
	bytes    uint64
	first    time.Duration // Includes lowering and compilation.
	mean     time.Duration // Of the following repetitions.
	err      error
}

// runAll runs each scenario reps times, calling tick after each repetition.
func runAll(selected []*scenario, reps int, selector *backends.Selector, tick func()) []*result {
	results := make([]*result, 0, len(selected))
	for _, s := range selected {
		r := run(s, reps, selector, tick)
		if r.err != nil {
			klog.Errorf("scenario %q failed: %+v", s.name, r.err)
		}
		results = append(results, r)
	}
	return results
}

func run(s *scenario, reps int, selector *backends.Selector, tick func()) *result {
	r := &result{scenario: s}
	g, args := s.build()
	k := kernel.New(g).SetSelector(selector)
	var total time.Duration
	for rep := range max(reps, 1) {
		start := time.Now()
		outputs, kinds, err := k.RunWithBackends(args...)
		elapsed := time.Since(start)
		tick()
		if err != nil {
			r.err = err
			return r
		}
		if rep == 0 {
			r.first = elapsed
			r.kinds = kinds
			r.outputs = len(outputs)
			for _, output := range outputs {
				r.elements += output.Size()
				r.bytes += uint64(output.Size()) * uint64(output.DType().Memory())
			}
		} else {
			total += elapsed
		}
	}
	if reps > 1 {
		r.mean = total / time.Duration(reps-1)
	}
	return r
}

func (r *result) backendsString() string {
	names := make([]string, len(r.kinds))
	for ii, kind := range r.kinds {
		names[ii] = kind.String()
	}
	slices.Sort(names)
	return strings.Join(slices.Compact(names), ",")
}
