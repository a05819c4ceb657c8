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

package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vinnylapenna/helios/lib/defaults"
	"github.com/vinnylapenna/helios/lib/runtime"
	"github.com/vinnylapenna/helios/lib/storage"
	"github.com/vinnylapenna/helios/lib/storage/keyval"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// fakeRuntime is an in-memory runtime.Runtime double: no image ever
// needs pulling, containers are tracked in a map, and a test can flip
// one to exited to drive the Runner's restart path.
type fakeRuntime struct {
	mu         sync.Mutex
	nextID     int
	containers map[string]*fakeContainer
}

type fakeContainer struct {
	running  bool
	exitCode int
	labels   map[string]string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: make(map[string]*fakeContainer)}
}

func (f *fakeRuntime) HasImage(ctx context.Context, image string) (bool, error) { return true, nil }
func (f *fakeRuntime) Pull(ctx context.Context, image string) error            { return nil }

func (f *fakeRuntime) CreateContainer(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("c%d", f.nextID)
	f.containers[id] = &fakeContainer{labels: spec.Labels}
	return id, nil
}

func (f *fakeRuntime) StartContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("no such container %v", id)
	}
	c.running = true
	return nil
}

func (f *fakeRuntime) StopContainer(ctx context.Context, id string, gracePeriod int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.running = false
	}
	return nil
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
	return nil
}

func (f *fakeRuntime) InspectContainer(ctx context.Context, id string) (*runtime.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return nil, fmt.Errorf("no such container %v", id)
	}
	return &runtime.ContainerState{ID: id, Running: c.running, ExitCode: c.exitCode, Labels: c.labels}, nil
}

func (f *fakeRuntime) FindByLabel(ctx context.Context, label, value string) ([]runtime.ContainerState, error) {
	return nil, nil
}

func (f *fakeRuntime) Info(ctx context.Context) (storage.RuntimeInfo, error) {
	return storage.RuntimeInfo{}, nil
}

// finish marks id as exited with the given code, as if its main process returned.
func (f *fakeRuntime) finish(id string, exitCode int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.running = false
		c.exitCode = exitCode
	}
}

func (f *fakeRuntime) lastContainerID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("c%d", f.nextID)
}

func testRunnerJob() *storage.Job {
	built, err := storage.NewJobBuilder("worker", "v1", "busybox:latest").
		Command("sleep", "3600").
		Build()
	if err != nil {
		panic(err)
	}
	return built
}

func newTestRunner(t *testing.T, clock clockwork.Clock, backend keyval.Backend, job *storage.Job, rt runtime.Runtime) *Runner {
	t.Helper()
	r, err := New(Config{
		JobID:   job.ID(),
		Job:     *job,
		Host:    "host-1",
		Backend: backend,
		Runtime: rt,
		Clock:   clock,
		Logger:  logrus.New(),
	})
	require.NoError(t, err)
	return r
}

// readTaskState reads back the Runner's published TaskStatus, if any.
func readTaskState(t *testing.T, backend keyval.Backend, host string, id storage.JobId) (storage.TaskState, bool) {
	t.Helper()
	data, _, err := backend.Get(context.Background(), keyval.TaskStatusKey(host, id.String()))
	if err != nil {
		return "", false
	}
	var status storage.TaskStatus
	require.NoError(t, json.Unmarshal(data, &status))
	return status.State, true
}

// waitForTaskState polls the coordination store for state, advancing
// the fake clock in small steps so any ticker or backoff timer the
// Runner is blocked on eventually fires.
func waitForTaskState(t *testing.T, backend keyval.Backend, host string, id storage.JobId, clock clockwork.FakeClock, state storage.TaskState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got, ok := readTaskState(t, backend, host, id); ok && got == state {
			return
		}
		clock.Advance(defaults.ContainerPollInterval / 4)
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for task state %v", state)
}

// TestRunnerStartReachesRunning covers the happy-path reconcile: a
// freshly started Runner with GoalStart pulls (skipped, image present),
// creates and starts its container, and publishes RUNNING.
func TestRunnerStartReachesRunning(t *testing.T) {
	clock := clockwork.NewFakeClock()
	backend := keyval.NewMem(clock)
	frt := newFakeRuntime()
	job := testRunnerJob()
	r := newTestRunner(t, clock, backend, job, frt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- r.Run(ctx, storage.GoalStart) }()

	waitForTaskState(t, backend, "host-1", job.ID(), clock, storage.TaskRunning, 5*time.Second)

	cancel()
	select {
	case <-runErrCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return after cancel")
	}
}

// TestRunnerRestartsOnExitWithBackoff covers the automatic-restart
// policy: a task whose container exits is never terminal for a
// goal=START deployment, and is restarted with a new container after
// the backoff interval elapses.
func TestRunnerRestartsOnExitWithBackoff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	backend := keyval.NewMem(clock)
	frt := newFakeRuntime()
	job := testRunnerJob()
	r := newTestRunner(t, clock, backend, job, frt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- r.Run(ctx, storage.GoalStart) }()

	waitForTaskState(t, backend, "host-1", job.ID(), clock, storage.TaskRunning, 5*time.Second)
	firstID := frt.lastContainerID()
	require.NotEmpty(t, firstID)

	frt.finish(firstID, 17)
	waitForTaskState(t, backend, "host-1", job.ID(), clock, storage.TaskExited, 5*time.Second)

	// the restart backoff is randomized around RestartInitialInterval;
	// advancing well past RestartMaxInterval guarantees it has elapsed
	waitForTaskState(t, backend, "host-1", job.ID(), clock, storage.TaskRunning, 10*time.Second)
	secondID := frt.lastContainerID()
	require.NotEqual(t, firstID, secondID, "expected a new container after restart")

	cancel()
	select {
	case <-runErrCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return after cancel")
	}
}

// TestRunnerUpdateGoalStopsRunningTask covers an operator flipping an
// existing Deployment from START to STOP in place: the live Runner
// observes the new goal without the Supervisor tearing it down.
func TestRunnerUpdateGoalStopsRunningTask(t *testing.T) {
	clock := clockwork.NewFakeClock()
	backend := keyval.NewMem(clock)
	frt := newFakeRuntime()
	job := testRunnerJob()
	r := newTestRunner(t, clock, backend, job, frt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- r.Run(ctx, storage.GoalStart) }()

	waitForTaskState(t, backend, "host-1", job.ID(), clock, storage.TaskRunning, 5*time.Second)

	r.UpdateGoal(storage.GoalStop)

	select {
	case err := <-runErrCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Run to return after STOP")
	}

	state, ok := readTaskState(t, backend, "host-1", job.ID())
	require.True(t, ok)
	require.Equal(t, storage.TaskStopped, state)
}

// TestRunnerUndeployFinalizesState covers the narrow ownership
// exception: on GoalUndeploy, once the container is stopped, the
// Runner itself deletes the TaskStatus, Deployment and jobref entries
// that would otherwise only ever be written by the Master.
func TestRunnerUndeployFinalizesState(t *testing.T) {
	clock := clockwork.NewFakeClock()
	backend := keyval.NewMem(clock)
	frt := newFakeRuntime()
	job := testRunnerJob()
	id := job.ID()
	ctx := context.Background()

	deployment := storage.Deployment{JobId: id, Host: "host-1", Goal: storage.GoalStart}
	data, err := json.Marshal(deployment)
	require.NoError(t, err)
	_, err = backend.Create(ctx, keyval.DeploymentKey("host-1", id.String()), data, 0)
	require.NoError(t, err)
	_, err = backend.Create(ctx, keyval.JobRefKey(id.String(), "host-1"), []byte("host-1"), 0)
	require.NoError(t, err)

	r := newTestRunner(t, clock, backend, job, frt)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- r.Run(runCtx, storage.GoalStart) }()

	waitForTaskState(t, backend, "host-1", id, clock, storage.TaskRunning, 5*time.Second)

	r.UpdateGoal(storage.GoalUndeploy)

	select {
	case err := <-runErrCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Run to return after UNDEPLOY")
	}

	_, _, err = backend.Get(ctx, keyval.TaskStatusKey("host-1", id.String()))
	require.Error(t, err, "TaskStatus should have been removed by finalizeUndeploy")
	_, _, err = backend.Get(ctx, keyval.DeploymentKey("host-1", id.String()))
	require.Error(t, err, "Deployment should have been removed by finalizeUndeploy")
	_, _, err = backend.Get(ctx, keyval.JobRefKey(id.String(), "host-1"))
	require.Error(t, err, "jobref should have been removed by finalizeUndeploy")
}
