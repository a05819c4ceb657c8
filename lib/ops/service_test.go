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

package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/vinnylapenna/helios/lib/storage"
	"github.com/vinnylapenna/helios/lib/storage/keyval"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

func newTestOperator(t *testing.T, allowUnregistered bool) (Operator, keyval.Backend, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	backend := keyval.NewMem(clock)
	operator, err := New(Config{
		Backend:                backend,
		Clock:                  clock,
		AllowUnregisteredHosts: allowUnregistered,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return operator, backend, clock
}

func testJob() *storage.Job {
	built, err := storage.NewJobBuilder("web", "v1", "nginx:latest").
		Command("nginx", "-g", "daemon off;").
		Env(map[string]string{"PORT": "8080"}).
		Build()
	if err != nil {
		panic(err)
	}
	return built
}

// TestCreateJobIdempotent covers §4.1: resubmitting an identical Job
// is a no-op returning the same id; resubmitting a changed Job under
// the same name/version is an error.
func TestCreateJobIdempotent(t *testing.T) {
	operator, _, _ := newTestOperator(t, true)
	ctx := context.Background()

	job := testJob()
	id1, err := operator.CreateJob(ctx, job)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if !id1.IsFullyQualified() {
		t.Fatalf("expected fully qualified id, got %v", id1)
	}

	id2, err := operator.CreateJob(ctx, job)
	if err != nil {
		t.Fatalf("CreateJob (resubmit): %v", err)
	}
	if id2 != id1 {
		t.Fatalf("resubmitting the same job should be idempotent, got %v != %v", id1, id2)
	}

	mismatched := testJob()
	mismatched.Image = "nginx:other"
	if _, err := operator.CreateJob(ctx, mismatched); !IsJobConfigMismatch(err) {
		t.Fatalf("expected job config mismatch, got %v", err)
	}
}

// TestDeployRequiresRegisteredHost covers the Open Question decision
// recorded in DESIGN.md: Deploy to an unknown host is rejected unless
// AllowUnregisteredHosts is set.
func TestDeployRequiresRegisteredHost(t *testing.T) {
	operator, _, _ := newTestOperator(t, false)
	ctx := context.Background()

	job := testJob()
	id, err := operator.CreateJob(ctx, job)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	err = operator.Deploy(ctx, storage.Deployment{JobId: id, Host: "host-1", Goal: storage.GoalStart})
	if !IsHostNotRegistered(err) {
		t.Fatalf("expected host not registered, got %v", err)
	}
}

// TestDeployLifecycle exercises create -> deploy -> setGoal -> undeploy
// against an in-memory backend, the same scenario S3/S6 describe.
func TestDeployLifecycle(t *testing.T) {
	operator, backend, _ := newTestOperator(t, true)
	ctx := context.Background()

	job := testJob()
	id, err := operator.CreateJob(ctx, job)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := operator.Deploy(ctx, storage.Deployment{JobId: id, Host: "host-1", Goal: storage.GoalStart}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	// a Deployment references the job, so RemoveJob must fail
	if err := operator.RemoveJob(ctx, id); !IsJobStillDeployed(err) {
		t.Fatalf("expected job still deployed, got %v", err)
	}

	if err := operator.SetGoal(ctx, id, "host-1", storage.GoalStop); err != nil {
		t.Fatalf("SetGoal: %v", err)
	}
	data, _, err := backend.Get(ctx, keyval.DeploymentKey("host-1", id.String()))
	if err != nil {
		t.Fatalf("Get deployment: %v", err)
	}
	var deployment storage.Deployment
	if err := json.Unmarshal(data, &deployment); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if deployment.Goal != storage.GoalStop {
		t.Fatalf("expected goal STOP, got %v", deployment.Goal)
	}

	if err := operator.Undeploy(ctx, id, "host-1"); err != nil {
		t.Fatalf("Undeploy: %v", err)
	}
	data, _, err = backend.Get(ctx, keyval.DeploymentKey("host-1", id.String()))
	if err != nil {
		t.Fatalf("Get deployment after undeploy: %v", err)
	}
	if err := json.Unmarshal(data, &deployment); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if deployment.Goal != storage.GoalUndeploy {
		t.Fatalf("expected goal UNDEPLOY, got %v", deployment.Goal)
	}

	// simulate the agent's finalizeUndeploy: once the task is stopped, it
	// deletes the deployment, task status, and jobref in one transaction.
	// A real Runner would already have published a TaskStatus node; the
	// transaction is all-or-nothing, so recreate one here first.
	statusData, err := json.Marshal(storage.TaskStatus{Job: id, State: storage.TaskStopped})
	if err != nil {
		t.Fatalf("Marshal status: %v", err)
	}
	if _, err := backend.Create(ctx, keyval.TaskStatusKey("host-1", id.String()), statusData, 0); err != nil {
		t.Fatalf("Create task status: %v", err)
	}

	err = backend.Transaction(ctx, []keyval.Op{
		{Kind: keyval.OpDelete, Path: keyval.TaskStatusKey("host-1", id.String())},
		{Kind: keyval.OpDelete, Path: keyval.DeploymentKey("host-1", id.String())},
		{Kind: keyval.OpDelete, Path: keyval.JobRefKey(id.String(), "host-1")},
	})
	if err != nil && !trace.IsNotFound(err) {
		t.Fatalf("finalize undeploy: %v", err)
	}

	// the jobref is gone, so RemoveJob should now succeed
	if err := operator.RemoveJob(ctx, id); err != nil {
		t.Fatalf("RemoveJob after undeploy: %v", err)
	}
	if _, err := operator.GetJob(ctx, id); !trace.IsNotFound(err) {
		t.Fatalf("expected job gone, got %v", err)
	}
}

// TestListHostsAggregatesStatus covers HostStatus/ListHosts reading
// back a host's up-state, published info and task statuses.
func TestListHostsAggregatesStatus(t *testing.T) {
	operator, backend, clock := newTestOperator(t, true)
	ctx := context.Background()

	info := storage.HostInfo{
		AgentInfo: storage.AgentInfo{Version: "dev"},
		Labels:    map[string]string{"env": "prod"},
	}
	data, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := backend.Create(ctx, keyval.HostInfoKey("host-1"), data, 0); err != nil {
		t.Fatalf("Create host info: %v", err)
	}
	if _, err := backend.Create(ctx, keyval.HostUpKey("host-1"), []byte(clock.Now().String()), 0); err != nil {
		t.Fatalf("Create host up: %v", err)
	}

	status, err := operator.HostStatus(ctx, "host-1")
	if err != nil {
		t.Fatalf("HostStatus: %v", err)
	}
	if status.Status != storage.HostUp {
		t.Fatalf("expected HostUp, got %v", status.Status)
	}
	if status.Labels["env"] != "prod" {
		t.Fatalf("expected label env=prod, got %v", status.Labels)
	}

	hosts, err := operator.ListHosts(ctx)
	if err != nil {
		t.Fatalf("ListHosts: %v", err)
	}
	if len(hosts) != 1 || hosts[0].Host != "host-1" {
		t.Fatalf("expected one host-1 entry, got %+v", hosts)
	}
}

// TestJobHistoryAggregatesAcrossHosts covers §4.3's "history queries
// aggregate children of /history/jobs/<jobId>/hosts/* sorted by
// timestamp": JobHistory(id, "") must merge every host's trail, while
// a non-empty host still narrows to just that host's events.
func TestJobHistoryAggregatesAcrossHosts(t *testing.T) {
	operator, backend, clock := newTestOperator(t, true)
	ctx := context.Background()
	id := testJob().ID()

	write := func(host string, seq int, state storage.TaskState) {
		event := storage.TaskStatusEvent{
			Status:    storage.TaskStatus{Job: id, State: state},
			Timestamp: clock.Now().UTC(),
		}
		data, err := json.Marshal(event)
		if err != nil {
			t.Fatalf("Marshal event: %v", err)
		}
		key := keyval.HistoryEventKey(id.String(), host, fmt.Sprintf("%020d", seq))
		if _, err := backend.Create(ctx, key, data, 0); err != nil {
			t.Fatalf("Create event: %v", err)
		}
		clock.Advance(time.Second)
	}

	write("host-1", 1, storage.TaskCreating)
	write("host-1", 2, storage.TaskRunning)
	write("host-2", 1, storage.TaskCreating)

	onlyHost1, err := operator.JobHistory(ctx, id, "host-1")
	if err != nil {
		t.Fatalf("JobHistory(host-1): %v", err)
	}
	if len(onlyHost1) != 2 {
		t.Fatalf("expected 2 events for host-1, got %v", len(onlyHost1))
	}

	all, err := operator.JobHistory(ctx, id, "")
	if err != nil {
		t.Fatalf("JobHistory(all hosts): %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events across both hosts, got %v", len(all))
	}
}
