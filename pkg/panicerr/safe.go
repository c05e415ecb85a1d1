// Package panicerr turns panics in worker goroutines into ordinary errors.
package panicerr

import (
	"context"

	"github.com/sourcegraph/conc/panics"
)

// Run calls fn and returns its error, or the recovered panic as an error.
func Run(fn func() error) error {
	var (
		catcher panics.Catcher
		err     error
	)
	catcher.Try(func() {
		err = fn()
	})
	if err != nil {
		return err
	}
	return catcher.Recovered().AsError()
}

// Safe wraps fn so that a panic is returned as an error.
func Safe(fn func() error) func() error {
	return func() error {
		return Run(fn)
	}
}

// SafeContext is Safe for context-taking functions.
func SafeContext(fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		return Run(func() error { return fn(ctx) })
	}
}
