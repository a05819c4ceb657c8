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

package storage

import (
	"time"

	"github.com/gravitational/trace"
)

// Goal is the operator's intent for a Deployment
type Goal string

const (
	// GoalStart asks the Task Runner to get the task to RUNNING and keep it there
	GoalStart Goal = "START"
	// GoalStop asks the Task Runner to stop the task but keep the Deployment record
	GoalStop Goal = "STOP"
	// GoalUndeploy asks the agent to stop the task and remove the Deployment record
	GoalUndeploy Goal = "UNDEPLOY"
)

// CheckGoal validates that g is one of the known goals
func CheckGoal(g Goal) error {
	switch g {
	case GoalStart, GoalStop, GoalUndeploy:
		return nil
	default:
		return trace.BadParameter("unknown goal %q", g)
	}
}

// Deployment associates a Job with a host and records the operator's
// goal for it. A Deployment holds only the JobId, not the Job itself:
// the Job is looked up through the store when needed, so Deployment
// and Job never hold a cyclic in-memory reference to one another.
type Deployment struct {
	// JobId identifies the deployed job
	JobId JobId `json:"job_id"`
	// Host is the target host
	Host string `json:"host"`
	// Goal is the operator's current intent for this deployment
	Goal Goal `json:"goal"`
	// Deployer records who requested the deployment, when known
	Deployer string `json:"deployer,omitempty"`
	// DeployedAt is when the deployment was first created
	DeployedAt time.Time `json:"deployed_at"`
}

// Validate checks the deployment's fields
func (d *Deployment) Validate() error {
	if d.Host == "" {
		return trace.BadParameter("deployment host is required")
	}
	if d.JobId.Name == "" {
		return trace.BadParameter("deployment job id is required")
	}
	return trace.Wrap(CheckGoal(d.Goal))
}
