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
	"sort"
	"strings"

	"github.com/vinnylapenna/helios/lib/storage"
	"github.com/vinnylapenna/helios/lib/storage/keyval"

	"github.com/gravitational/trace"
)

// operator is the Backend-driven implementation of Operator. It keeps
// no state of its own: every call reads from or writes to the
// coordination store, matching the teacher's pattern of a thin
// ops.Operator sitting directly on its backend.
type operator struct {
	Config
}

// New returns an Operator backed by cfg.Backend
func New(cfg Config) (Operator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &operator{Config: cfg}, nil
}

// CreateJob never trusts a caller-supplied Hash: it rebuilds the Job
// through JobBuilder so the hash is always freshly derived from the
// submitted config.
func (o *operator) CreateJob(ctx context.Context, job *storage.Job) (storage.JobId, error) {
	builder := storage.NewJobBuilder(job.Name, job.Version, job.Image).
		Command(job.Command...).
		Env(job.Env).
		Resources(job.Resources).
		GracePeriod(job.GracePeriodSeconds)
	for name, port := range job.Ports {
		builder.Port(name, port)
	}
	for name, reg := range job.Registration {
		builder.Register(name, reg)
	}
	for _, v := range job.Volumes {
		builder.Volume(v)
	}
	built, err := builder.Build()
	if err != nil {
		return storage.JobId{}, trace.Wrap(err)
	}
	id := built.ID()

	existing, err := o.findByNameVersion(ctx, built.Name, built.Version)
	if err != nil && !trace.IsNotFound(err) {
		return storage.JobId{}, trace.Wrap(err)
	}
	if existing != nil {
		if existing.Hash == built.Hash {
			return existing.ID(), nil
		}
		return storage.JobId{}, jobConfigMismatch(existing.Name + ":" + existing.Version)
	}

	data, err := json.Marshal(built)
	if err != nil {
		return storage.JobId{}, trace.Wrap(err)
	}
	if _, err := o.Backend.Create(ctx, keyval.JobKey(id.String()), data, 0); err != nil {
		return storage.JobId{}, trace.Wrap(err)
	}
	return id, nil
}

func (o *operator) findByNameVersion(ctx context.Context, name, version string) (*storage.Job, error) {
	children, err := o.Backend.Children(ctx, keyval.JobsKey())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	prefix := name + ":" + version + ":"
	for _, child := range children {
		if !strings.HasPrefix(child, prefix) {
			continue
		}
		data, _, err := o.Backend.Get(ctx, keyval.JobKey(child))
		if err != nil {
			return nil, trace.Wrap(err)
		}
		var job storage.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, trace.Wrap(err)
		}
		return &job, nil
	}
	return nil, trace.NotFound("job %v:%v not found", name, version)
}

func (o *operator) RemoveJob(ctx context.Context, id storage.JobId) error {
	refs, err := o.Backend.Children(ctx, keyval.JobRefsKey(id.String()))
	if err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	if len(refs) > 0 {
		return jobStillDeployed(id.String())
	}
	return trace.Wrap(o.Backend.Delete(ctx, keyval.JobKey(id.String()), 0))
}

func (o *operator) Deploy(ctx context.Context, deployment storage.Deployment) error {
	if err := deployment.Validate(); err != nil {
		return trace.Wrap(err)
	}
	idStr := deployment.JobId.String()

	if !o.AllowUnregisteredHosts {
		if _, err := o.hostInfo(ctx, deployment.Host); err != nil {
			if trace.IsNotFound(err) {
				return hostNotRegistered(deployment.Host)
			}
			return trace.Wrap(err)
		}
	}

	deployment.DeployedAt = o.Clock.Now().UTC()
	data, err := json.Marshal(deployment)
	if err != nil {
		return trace.Wrap(err)
	}

	err = o.Backend.Transaction(ctx, []keyval.Op{
		{Kind: keyval.OpAssertExists, Path: keyval.JobKey(idStr)},
		{Kind: keyval.OpCreate, Path: keyval.DeploymentKey(deployment.Host, idStr), Data: data},
		{Kind: keyval.OpCreate, Path: keyval.JobRefKey(idStr, deployment.Host), Data: []byte(deployment.Host)},
	})
	return trace.Wrap(err)
}

func (o *operator) SetGoal(ctx context.Context, id storage.JobId, host string, goal storage.Goal) error {
	if err := storage.CheckGoal(goal); err != nil {
		return trace.Wrap(err)
	}
	key := keyval.DeploymentKey(host, id.String())
	data, _, err := o.Backend.Get(ctx, key)
	if err != nil {
		return trace.Wrap(err)
	}
	var deployment storage.Deployment
	if err := json.Unmarshal(data, &deployment); err != nil {
		return trace.Wrap(err)
	}
	deployment.Goal = goal
	updated, err := json.Marshal(deployment)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = o.Backend.Set(ctx, key, updated)
	return trace.Wrap(err)
}

func (o *operator) Undeploy(ctx context.Context, id storage.JobId, host string) error {
	return o.SetGoal(ctx, id, host, storage.GoalUndeploy)
}

func (o *operator) GetJob(ctx context.Context, id storage.JobId) (*storage.Job, error) {
	data, _, err := o.Backend.Get(ctx, keyval.JobKey(id.String()))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var job storage.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, trace.Wrap(err)
	}
	return &job, nil
}

func (o *operator) ListJobs(ctx context.Context) ([]storage.Job, error) {
	children, err := o.Backend.Children(ctx, keyval.JobsKey())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	jobs := make([]storage.Job, 0, len(children))
	for _, child := range children {
		data, _, err := o.Backend.Get(ctx, keyval.JobKey(child))
		if err != nil {
			return nil, trace.Wrap(err)
		}
		var job storage.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, trace.Wrap(err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// hostInfo reads the host's persistent info node, used both to answer
// HostStatus and to decide whether a host is registered at all
func (o *operator) hostInfo(ctx context.Context, host string) (*storage.HostInfo, error) {
	data, _, err := o.Backend.Get(ctx, keyval.HostInfoKey(host))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var info storage.HostInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, trace.Wrap(err)
	}
	return &info, nil
}

func (o *operator) HostStatus(ctx context.Context, host string) (*storage.HostStatus, error) {
	status := &storage.HostStatus{Host: host, Status: storage.HostDown}

	if _, _, err := o.Backend.Get(ctx, keyval.HostUpKey(host)); err == nil {
		status.Status = storage.HostUp
	} else if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}

	info, err := o.hostInfo(ctx, host)
	if err != nil && !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	if info != nil {
		status.AgentInfo = info.AgentInfo
		status.RuntimeInfo = info.RuntimeInfo
		status.Labels = info.Labels
	}

	jobIDs, err := o.Backend.Children(ctx, keyval.DeploymentsKey(host))
	if err != nil && !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	status.Statuses = map[string]storage.TaskStatus{}
	for _, jobIDStr := range jobIDs {
		jobID, err := storage.ParseJobId(jobIDStr)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		status.Jobs = append(status.Jobs, jobID)

		data, _, err := o.Backend.Get(ctx, keyval.TaskStatusKey(host, jobIDStr))
		if err != nil {
			if trace.IsNotFound(err) {
				continue
			}
			return nil, trace.Wrap(err)
		}
		var taskStatus storage.TaskStatus
		if err := json.Unmarshal(data, &taskStatus); err != nil {
			return nil, trace.Wrap(err)
		}
		status.Statuses[jobIDStr] = taskStatus
	}
	storage.SortJobIds(status.Jobs)
	return status, nil
}

func (o *operator) ListHosts(ctx context.Context) ([]storage.HostStatus, error) {
	hosts, err := o.Backend.Children(ctx, keyval.HostsKey())
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, nil
		}
		return nil, trace.Wrap(err)
	}
	statuses := make([]storage.HostStatus, 0, len(hosts))
	for _, host := range hosts {
		status, err := o.HostStatus(ctx, host)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		statuses = append(statuses, *status)
	}
	return statuses, nil
}

// JobHistory returns id's history trail. A non-empty host narrows to
// that host's trail; an empty host aggregates every host's trail and
// sorts the result by timestamp, per §4.3.
func (o *operator) JobHistory(ctx context.Context, id storage.JobId, host string) ([]storage.TaskStatusEvent, error) {
	idStr := id.String()

	hosts := []string{host}
	if host == "" {
		var err error
		hosts, err = o.Backend.Children(ctx, keyval.HistoryHostsKey(idStr))
		if err != nil {
			if trace.IsNotFound(err) {
				return nil, nil
			}
			return nil, trace.Wrap(err)
		}
	}

	var events []storage.TaskStatusEvent
	for _, h := range hosts {
		seqs, err := o.Backend.Children(ctx, keyval.HistoryEventsKey(idStr, h))
		if err != nil {
			if trace.IsNotFound(err) {
				continue
			}
			return nil, trace.Wrap(err)
		}
		for _, seq := range seqs {
			data, _, err := o.Backend.Get(ctx, keyval.HistoryEventKey(idStr, h, seq))
			if err != nil {
				if trace.IsNotFound(err) {
					continue
				}
				return nil, trace.Wrap(err)
			}
			var event storage.TaskStatusEvent
			if err := json.Unmarshal(data, &event); err != nil {
				return nil, trace.Wrap(err)
			}
			events = append(events, event)
		}
	}
	if len(hosts) > 1 {
		sort.SliceStable(events, func(i, j int) bool {
			return events[i].Timestamp.Before(events[j].Timestamp)
		})
	}
	return events, nil
}
