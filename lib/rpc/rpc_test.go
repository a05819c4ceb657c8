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

package rpc

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vinnylapenna/helios/lib/ops"
	"github.com/vinnylapenna/helios/lib/storage"
	"github.com/vinnylapenna/helios/lib/storage/keyval"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

func newTestServer(t *testing.T) (*httptest.Server, *Client, keyval.Backend) {
	t.Helper()
	backend := keyval.NewMem(clockwork.NewFakeClock())
	operator, err := ops.New(ops.Config{Backend: backend, AllowUnregisteredHosts: true})
	if err != nil {
		t.Fatalf("ops.New: %v", err)
	}
	handler := NewHandler(operator)
	server := httptest.NewServer(handler)
	client := NewClient(server.URL, 5*time.Second)
	return server, client, backend
}

func testJob() *storage.Job {
	built, err := storage.NewJobBuilder("web", "v1", "nginx:latest").
		Command("nginx").
		Build()
	if err != nil {
		panic(err)
	}
	return built
}

func publishHost(t *testing.T, backend keyval.Backend, host string, labels map[string]string) {
	t.Helper()
	ctx := context.Background()
	info := storage.HostInfo{Labels: labels}
	data, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("Marshal host info: %v", err)
	}
	if _, err := backend.Create(ctx, keyval.HostInfoKey(host), data, 0); err != nil {
		t.Fatalf("Create host info: %v", err)
	}
	if _, err := backend.Create(ctx, keyval.HostUpKey(host), []byte("up"), 0); err != nil {
		t.Fatalf("Create host up: %v", err)
	}
}

// TestClientServerRoundTrip exercises the whole RPC surface a client
// program depends on: create, deploy, setGoal, list, undeploy.
func TestClientServerRoundTrip(t *testing.T) {
	server, client, _ := newTestServer(t)
	defer server.Close()
	ctx := context.Background()

	job := testJob()
	id, err := client.CreateJob(ctx, job)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if !id.IsFullyQualified() {
		t.Fatalf("expected fully qualified id, got %v", id)
	}

	got, err := client.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Name != "web" || got.Image != "nginx:latest" {
		t.Fatalf("unexpected job: %+v", got)
	}

	jobs, err := client.ListJobs(ctx)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %v", len(jobs))
	}

	if err := client.Deploy(ctx, storage.Deployment{JobId: id, Host: "host-1", Goal: storage.GoalStart}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	if err := client.SetGoal(ctx, id, "host-1", storage.GoalStop); err != nil {
		t.Fatalf("SetGoal: %v", err)
	}

	status, err := client.HostStatus(ctx, "host-1")
	if err != nil {
		t.Fatalf("HostStatus: %v", err)
	}
	if len(status.Jobs) != 1 || status.Jobs[0] != id {
		t.Fatalf("expected deployment for %v, got %+v", id, status.Jobs)
	}

	if err := client.Undeploy(ctx, id, "host-1"); err != nil {
		t.Fatalf("Undeploy: %v", err)
	}
	status, err = client.HostStatus(ctx, "host-1")
	if err != nil {
		t.Fatalf("HostStatus (after undeploy): %v", err)
	}
	if len(status.Jobs) != 1 {
		t.Fatalf("undeploy only flips the goal; the deployment is still listed until the agent finalizes it")
	}

	if err := client.RemoveJob(ctx, id); err == nil {
		t.Fatalf("expected RemoveJob to fail while still deployed")
	} else if !ops.IsJobStillDeployed(err) {
		t.Fatalf("expected job-still-deployed, got %v", err)
	}
}

// TestListHostsByLabels covers the label-filtered listing wired into
// the handler and client this round: HostStatus.Labels is free-form
// and operators can query hosts by it.
func TestListHostsByLabels(t *testing.T) {
	server, client, backend := newTestServer(t)
	defer server.Close()
	ctx := context.Background()

	publishHost(t, backend, "host-prod", map[string]string{"env": "prod", "rack": "a"})
	publishHost(t, backend, "host-dev", map[string]string{"env": "dev"})

	all, err := client.ListHosts(ctx)
	if err != nil {
		t.Fatalf("ListHosts: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 hosts, got %+v", all)
	}

	prod, err := client.ListHostsByLabels(ctx, map[string]string{"env": "prod"})
	if err != nil {
		t.Fatalf("ListHostsByLabels: %v", err)
	}
	if len(prod) != 1 || prod[0].Host != "host-prod" {
		t.Fatalf("expected only host-prod, got %+v", prod)
	}

	none, err := client.ListHostsByLabels(ctx, map[string]string{"env": "prod", "rack": "b"})
	if err != nil {
		t.Fatalf("ListHostsByLabels: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no hosts matching both labels, got %+v", none)
	}
}

// TestErrorTranslationRoundTrips checks that a NotFound raised by the
// operator survives serialization back into a client-side NotFound,
// so callers can keep using trace.Is* predicates across the wire.
func TestErrorTranslationRoundTrips(t *testing.T) {
	server, client, _ := newTestServer(t)
	defer server.Close()
	ctx := context.Background()

	_, err := client.GetJob(ctx, storage.JobId{Name: "missing", Version: "v1", Hash: "0000000000000000000000000000000000000000"})
	if !trace.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
