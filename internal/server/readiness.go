package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// LogDirChecker reports ready while the trace log directory can be listed.
type LogDirChecker struct {
	dir string
}

// NewLogDirChecker creates a LogDirChecker for dir.
func NewLogDirChecker(dir string) *LogDirChecker {
	return &LogDirChecker{dir: dir}
}

// Name returns the name of this component for health status display.
func (c *LogDirChecker) Name() string {
	return "log_dir"
}

// CheckReady opens the directory and reads one entry.
func (c *LogDirChecker) CheckReady(ctx context.Context) error {
	if c.dir == "" {
		return errors.New("log directory not configured")
	}
	f, err := os.Open(c.dir)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", c.dir)
	}
	// An empty directory is fine; a read error is not.
	if _, err := f.ReadDir(1); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return ctx.Err()
}

// Starter is implemented by components that report when their first pass
// is done. *ingest.Watcher implements it.
type Starter interface {
	Started() bool
}

// StartedChecker reports ready once a component has started.
type StartedChecker struct {
	name      string
	component Starter
}

// NewStartedChecker creates a StartedChecker for component.
func NewStartedChecker(name string, component Starter) *StartedChecker {
	return &StartedChecker{name: name, component: component}
}

// Name returns the name of this component.
func (c *StartedChecker) Name() string {
	return c.name
}

// CheckReady fails until the component has started.
func (c *StartedChecker) CheckReady(ctx context.Context) error {
	if c.component == nil {
		return fmt.Errorf("%s not configured", c.name)
	}
	if !c.component.Started() {
		return fmt.Errorf("%s has not started", c.name)
	}
	return nil
}

// FuncChecker is a simple ReadinessChecker that wraps a function.
type FuncChecker struct {
	name  string
	check func(context.Context) error
}

// NewFuncChecker creates a new FuncChecker with the given name and check function.
func NewFuncChecker(name string, check func(context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, check: check}
}

// Name returns the name of this component.
func (c *FuncChecker) Name() string {
	return c.name
}

// CheckReady calls the wrapped function.
func (c *FuncChecker) CheckReady(ctx context.Context) error {
	if c.check == nil {
		return nil
	}
	return c.check(ctx)
}
