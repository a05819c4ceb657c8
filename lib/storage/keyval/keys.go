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

package keyval

import "strings"

// Key path builders for the store's authoritative layout:
//
//   /jobs/<jobId>
//   /jobrefs/<jobId>/<host>
//   /config/hosts/<host>/jobs/<jobId>
//   /status/hosts/<host>/up
//   /status/hosts/<host>/info
//   /status/hosts/<host>/jobs/<jobId>
//   /history/jobs/<jobId>/hosts/<host>/events/<seq>
//
// jobId path segments use the JobId string form ("name:version:hash").
// Only '/' inside a segment is escaped (as "%2F"); ':' is not special to
// the store and is kept as is, which keeps keys readable in etcd's own
// tooling.

// JobKey is the node a Job descriptor is stored at
func JobKey(jobID string) string {
	return join("jobs", jobID)
}

// JobsKey is the directory all Job descriptors live under
func JobsKey() string {
	return join("jobs")
}

// JobRefKey marks that jobID is deployed to host, used to answer
// "is this job still deployed anywhere" without scanning all hosts
func JobRefKey(jobID, host string) string {
	return join("jobrefs", jobID, host)
}

// JobRefsKey is the directory of all hosts a job is referenced from
func JobRefsKey(jobID string) string {
	return join("jobrefs", jobID)
}

// DeploymentKey is the node a host's desired Deployment for jobID lives at
func DeploymentKey(host, jobID string) string {
	return join("config", "hosts", host, "jobs", jobID)
}

// DeploymentsKey is the directory of a host's desired deployments
func DeploymentsKey(host string) string {
	return join("config", "hosts", host, "jobs")
}

// HostUpKey is the ephemeral node whose presence signals HostStatus=UP
func HostUpKey(host string) string {
	return join("status", "hosts", host, "up")
}

// HostInfoKey is the node a host's agentInfo/runtimeInfo is published at
func HostInfoKey(host string) string {
	return join("status", "hosts", host, "info")
}

// HostsKey is the directory of all known hosts under /status/hosts
func HostsKey() string {
	return join("status", "hosts")
}

// TaskStatusKey is the node a host's last published TaskStatus for jobID lives at
func TaskStatusKey(host, jobID string) string {
	return join("status", "hosts", host, "jobs", jobID)
}

// TaskStatusesKey is the directory of a host's published task statuses
func TaskStatusesKey(host string) string {
	return join("status", "hosts", host, "jobs")
}

// HistoryEventKey is one entry in a (job, host) history trail
func HistoryEventKey(jobID, host, seq string) string {
	return join("history", "jobs", jobID, "hosts", host, "events", seq)
}

// HistoryEventsKey is the directory of a (job, host) history trail
func HistoryEventsKey(jobID, host string) string {
	return join("history", "jobs", jobID, "hosts", host, "events")
}

// HistoryHostsKey is the directory of hosts a job has history for
func HistoryHostsKey(jobID string) string {
	return join("history", "jobs", jobID, "hosts")
}

func join(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = strings.Replace(p, "/", "%2F", -1)
	}
	return "/" + strings.Join(escaped, "/")
}
