// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"os"
	"strings"

	"github.com/pkg/errors"
)

// TEXPR_BACKEND is the environment variable with the backend priority to use: a comma-separated list
// of backend kinds (e.g. "native,interpreter"). It takes precedence over DefaultConfig.
const TEXPR_BACKEND = "TEXPR_BACKEND"

// DefaultConfig is the backend priority used if TEXPR_BACKEND is not set.
var DefaultConfig = "accelerator,native,interpreter"

// NativeMinSize is the minimum size of the iteration space for the native backend to be selected.
// Smaller programs are run by the next backend in the priority list (usually the interpreter).
var NativeMinSize = 1

// ParsePriority parses a comma-separated list of backend kinds. Empty entries are ignored.
func ParsePriority(config string) ([]Kind, error) {
	var kinds []Kind
	for _, part := range strings.Split(config, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		kind, err := ParseKind(part)
		if err != nil {
			return nil, errors.WithMessagef(err, "parsing backend configuration %q", config)
		}
		kinds = append(kinds, kind)
	}
	if len(kinds) == 0 {
		return nil, errors.Errorf("backend configuration %q lists no backends", config)
	}
	return kinds, nil
}

// DefaultPriority returns the backend priority configured in TEXPR_BACKEND if set, or DefaultConfig.
func DefaultPriority() ([]Kind, error) {
	if config, found := os.LookupEnv(TEXPR_BACKEND); found && config != "" {
		kinds, err := ParsePriority(config)
		if err != nil {
			return nil, errors.WithMessagef(err, "environment variable $%s", TEXPR_BACKEND)
		}
		return kinds, nil
	}
	return ParsePriority(DefaultConfig)
}
