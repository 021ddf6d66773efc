// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package errs defines the kinds of errors returned by tensorexpr.
//
// Errors are created with github.com/pkg/errors, so they carry a stack trace, and they wrap
// one of the sentinel values below. Use errors.Is to check for the kind of error:
//
//	outputs, err := k.Run(x, y)
//	if errors.Is(err, errs.ErrShape) {
//		...
//	}
package errs

import (
	"github.com/pkg/errors"
)

var (
	// ErrShape is returned when shapes can't be broadcast, concatenated or chunked.
	ErrShape = errors.New("shape error")

	// ErrType is returned for unsupported dtypes or invalid scalar types (e.g. a float alpha for an integer result).
	ErrType = errors.New("type error")

	// ErrGraph is returned for malformed computation graphs: cycles, dangling references, wrong arity.
	ErrGraph = errors.New("graph error")

	// ErrCompile is returned by a backend that can't compile a program.
	// The backend selector falls back to the next backend when it sees it.
	ErrCompile = errors.New("compile error")

	// ErrUnknownCounter is returned when querying a counter name that doesn't exist.
	ErrUnknownCounter = errors.New("unknown counter")

	// ErrIntegerDivideByZero is returned when an integer division, remainder or fmod has a zero divisor.
	ErrIntegerDivideByZero = errors.New("integer divide by zero")

	// ErrBackendUnavailable is returned when no backend can run a program.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// Shapef returns an error of kind ErrShape with the formatted message.
func Shapef(format string, args ...any) error {
	return errors.Wrapf(ErrShape, format, args...)
}

// Typef returns an error of kind ErrType with the formatted message.
func Typef(format string, args ...any) error {
	return errors.Wrapf(ErrType, format, args...)
}

// Graphf returns an error of kind ErrGraph with the formatted message.
func Graphf(format string, args ...any) error {
	return errors.Wrapf(ErrGraph, format, args...)
}

// Compilef returns an error of kind ErrCompile with the formatted message.
func Compilef(format string, args ...any) error {
	return errors.Wrapf(ErrCompile, format, args...)
}

// UnknownCounterf returns an error of kind ErrUnknownCounter with the formatted message.
func UnknownCounterf(format string, args ...any) error {
	return errors.Wrapf(ErrUnknownCounter, format, args...)
}

// Unavailablef returns an error of kind ErrBackendUnavailable with the formatted message.
func Unavailablef(format string, args ...any) error {
	return errors.Wrapf(ErrBackendUnavailable, format, args...)
}
