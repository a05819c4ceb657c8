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

// Package runner drives one Task State Machine: a (JobId, Host) pair
// whose container lifecycle is reconciled against the operator's
// goal. It is built on lib/fsm's generic transition engine, the same
// shape the Master's own install/upgrade plans would use, narrowed to
// one transition at a time.
package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vinnylapenna/helios/lib/fsm"
	"github.com/vinnylapenna/helios/lib/storage"
	"github.com/vinnylapenna/helios/lib/storage/keyval"

	"github.com/gravitational/trace"
)

// Transition identifies a single Task State Machine transition
const (
	transitionPull    = "pull-image"
	transitionCreate  = "create-container"
	transitionStart   = "start-container"
	transitionStop    = "stop-container"
	transitionRemove  = "remove-container"
	transitionAdopt   = "adopt-container"
)

// taskEngine implements fsm.Engine for one Runner: it builds the
// executor for whatever transition the Runner asks for, and persists
// the outcome as the task's published TaskStatus plus a history event.
type taskEngine struct {
	runner *Runner
}

func (e *taskEngine) GetExecutor(p fsm.ExecutorParams) (fsm.PhaseExecutor, error) {
	r := e.runner
	logger := r.logger.WithField("transition", p.TransitionID).WithField("attempt", p.Attempt)
	switch p.TransitionID {
	case transitionPull:
		return &pullImageExecutor{runner: r, FieldLogger: logger}, nil
	case transitionCreate:
		return &createContainerExecutor{runner: r, FieldLogger: logger}, nil
	case transitionStart:
		return &startContainerExecutor{runner: r, FieldLogger: logger}, nil
	case transitionStop:
		return &stopContainerExecutor{runner: r, FieldLogger: logger}, nil
	case transitionRemove:
		return &removeContainerExecutor{runner: r, FieldLogger: logger}, nil
	case transitionAdopt:
		return &adoptContainerExecutor{runner: r, FieldLogger: logger}, nil
	default:
		return nil, trace.BadParameter("unknown transition %q", p.TransitionID)
	}
}

func (e *taskEngine) OnTransition(ctx context.Context, p fsm.ExecutorParams, transitionErr error) error {
	r := e.runner
	if transitionErr != nil {
		r.logger.WithError(transitionErr).WithField("transition", p.TransitionID).Warn("Transition failed.")
	}
	return trace.Wrap(r.publishStatus(ctx))
}

// publishStatus writes the Runner's current in-memory TaskStatus to
// the coordination store and appends a history event, trimming the
// trail to Config.HistoryRetention
func (r *Runner) publishStatus(ctx context.Context) error {
	r.mu.Lock()
	status := r.status
	r.mu.Unlock()

	data, err := json.Marshal(status)
	if err != nil {
		return trace.Wrap(err)
	}
	key := keyval.TaskStatusKey(r.host, r.jobID.String())
	if _, err := r.backend.Set(ctx, key, data); err != nil {
		if !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}
		if _, err := r.backend.Create(ctx, key, data, 0); err != nil {
			return trace.Wrap(err)
		}
	}
	return trace.Wrap(r.appendHistory(ctx, status))
}

func (r *Runner) appendHistory(ctx context.Context, status storage.TaskStatus) error {
	event := storage.TaskStatusEvent{Status: status, Timestamp: r.clock.Now().UTC()}
	data, err := json.Marshal(event)
	if err != nil {
		return trace.Wrap(err)
	}
	seq := fmt.Sprintf("%020d", r.nextHistorySeq())
	key := keyval.HistoryEventKey(r.jobID.String(), r.host, seq)
	if _, err := r.backend.Create(ctx, key, data, 0); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(r.trimHistory(ctx))
}

// trimHistory deletes the oldest events once the trail exceeds
// HistoryRetention, keeping storage bounded
func (r *Runner) trimHistory(ctx context.Context) error {
	seqs, err := r.backend.Children(ctx, keyval.HistoryEventsKey(r.jobID.String(), r.host))
	if err != nil {
		return trace.Wrap(err)
	}
	if len(seqs) <= r.historyRetention {
		return nil
	}
	for _, seq := range seqs[:len(seqs)-r.historyRetention] {
		key := keyval.HistoryEventKey(r.jobID.String(), r.host, seq)
		if err := r.backend.Delete(ctx, key, 0); err != nil && !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}
	}
	return nil
}

func newFSM(r *Runner) (*fsm.FSM, error) {
	return fsm.New(fsm.Config{
		Engine: &taskEngine{runner: r},
		Logger: r.logger,
	})
}
