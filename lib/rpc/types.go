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

// Package rpc is the Master's HTTP/JSON transport: a thin httprouter
// handler wrapping lib/ops.Operator, and a matching client.
package rpc

import "github.com/vinnylapenna/helios/lib/storage"

// setGoalRequest is the body of a SetGoal/Undeploy call
type setGoalRequest struct {
	Goal storage.Goal `json:"goal"`
}

// jobsResponse wraps a list of Jobs
type jobsResponse struct {
	Jobs []storage.Job `json:"jobs"`
}

// hostsResponse wraps a list of HostStatuses
type hostsResponse struct {
	Hosts []storage.HostStatus `json:"hosts"`
}

// historyResponse wraps a job history trail
type historyResponse struct {
	Events []storage.TaskStatusEvent `json:"events"`
}

// jobIDResponse wraps a single JobId
type jobIDResponse struct {
	JobId storage.JobId `json:"job_id"`
}
