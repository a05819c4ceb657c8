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

// Package ops implements the Master: the single authoritative surface
// for creating Jobs, deploying them to hosts, and reporting on fleet
// status. All of it is a thin layer over the coordination store -
// the Master keeps no state of its own.
package ops

import (
	"context"

	"github.com/vinnylapenna/helios/lib/storage"
)

// Operator is the Master's RPC surface, unchanged from the control
// plane's operation table: CreateJob, RemoveJob, Deploy, SetGoal,
// Undeploy, GetJob, ListJobs, HostStatus, ListHosts, JobHistory.
type Operator interface {
	// CreateJob registers a Job descriptor, returning its id. Submitting
	// an identical Job again (same computed hash) is a no-op that
	// returns the existing id; submitting a Job whose Name/Version
	// already exist under a different hash is an error.
	CreateJob(ctx context.Context, job *storage.Job) (storage.JobId, error)
	// RemoveJob deletes a Job descriptor. Fails while the job is still
	// referenced by any Deployment.
	RemoveJob(ctx context.Context, id storage.JobId) error
	// Deploy creates a Deployment binding a Job to a host with a goal
	Deploy(ctx context.Context, deployment storage.Deployment) error
	// SetGoal updates the goal of an existing Deployment
	SetGoal(ctx context.Context, id storage.JobId, host string, goal storage.Goal) error
	// Undeploy sets a Deployment's goal to UNDEPLOY, asking the Agent to
	// stop the task and remove the Deployment once stopped
	Undeploy(ctx context.Context, id storage.JobId, host string) error
	// GetJob returns the Job descriptor for id
	GetJob(ctx context.Context, id storage.JobId) (*storage.Job, error)
	// ListJobs lists every registered Job descriptor
	ListJobs(ctx context.Context) ([]storage.Job, error)
	// HostStatus returns the aggregated status of a single host
	HostStatus(ctx context.Context, host string) (*storage.HostStatus, error)
	// ListHosts returns the aggregated status of every known host
	ListHosts(ctx context.Context) ([]storage.HostStatus, error)
	// JobHistory returns id's TaskStatusEvent trail. With host == "" it
	// aggregates every host's trail, sorted by timestamp, per §4.3's
	// "history queries aggregate children of .../hosts/*"; a non-empty
	// host narrows to that host's trail alone.
	JobHistory(ctx context.Context, id storage.JobId, host string) ([]storage.TaskStatusEvent, error)
}
