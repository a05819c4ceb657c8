/*
Copyright 2018 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package fsm provides a small generic engine for driving an object through
// an ordered sequence of transitions, each backed by a PhaseExecutor that
// can be pre-checked, executed and rolled back. It is deliberately narrower
// than a multi-phase install/upgrade plan runner: callers own the state
// (current status, history) and only ask the engine to run one transition
// at a time.
package fsm

import (
	"context"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// ExecutorParams combines the parameters needed to build a new executor
// for a transition
type ExecutorParams struct {
	// TransitionID identifies the transition being executed, e.g. "pull-image"
	TransitionID string
	// Attempt is the 1-based retry counter for this transition
	Attempt int
}

// Engine builds executors and reacts to their outcome. Implementations own
// the persistence of whatever state the transitions mutate.
type Engine interface {
	// GetExecutor returns a new executor for the given transition
	GetExecutor(ExecutorParams) (PhaseExecutor, error)
	// OnTransition is invoked after a transition's executor runs,
	// successfully or not, so the engine can publish state and history
	OnTransition(context.Context, ExecutorParams, error) error
}

// Config configures a FSM
type Config struct {
	// Engine supplies executors and persists outcomes
	Engine Engine
	// Logger is used for engine-level logging; defaults to the standard logger
	Logger logrus.FieldLogger
}

// CheckAndSetDefaults validates the config and fills in defaults
func (c *Config) CheckAndSetDefaults() error {
	if c.Engine == nil {
		return trace.BadParameter("missing Engine")
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField(trace.Component, "fsm")
	}
	return nil
}

// FSM drives one transition at a time through an Engine
type FSM struct {
	Config
}

// New returns a new FSM instance
func New(config Config) (*FSM, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &FSM{Config: config}, nil
}

// RunTransition builds the executor for the given transition, runs its
// PreCheck/Execute/PostCheck sequence, rolls back on failure, and reports
// the outcome to the engine exactly once.
func (f *FSM) RunTransition(ctx context.Context, p ExecutorParams) error {
	executor, err := f.Engine.GetExecutor(p)
	if err != nil {
		return trace.Wrap(err)
	}
	runErr := runExecutor(ctx, executor)
	if reportErr := f.Engine.OnTransition(ctx, p, runErr); reportErr != nil {
		if runErr != nil {
			return trace.Wrap(runErr)
		}
		return trace.Wrap(reportErr)
	}
	return trace.Wrap(runErr)
}

func runExecutor(ctx context.Context, executor PhaseExecutor) error {
	if err := executor.PreCheck(ctx); err != nil {
		return trace.Wrap(err)
	}
	if err := executor.Execute(ctx); err != nil {
		executor.WithError(err).Warn("Transition failed, rolling back.")
		if rollbackErr := executor.Rollback(ctx); rollbackErr != nil {
			executor.WithError(rollbackErr).Warn("Rollback failed.")
		}
		return trace.Wrap(err)
	}
	if err := executor.PostCheck(ctx); err != nil {
		return trace.Wrap(err)
	}
	return nil
}
