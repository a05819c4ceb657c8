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
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckGoal(t *testing.T) {
	for _, g := range []Goal{GoalStart, GoalStop, GoalUndeploy} {
		assert.NoError(t, CheckGoal(g))
	}
	assert.Error(t, CheckGoal(Goal("PAUSE")))
}

func TestDeploymentValidate(t *testing.T) {
	valid := Deployment{
		JobId: JobId{Name: "web", Version: "v1", Hash: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
		Host:  "host-1",
		Goal:  GoalStart,
	}
	assert.NoError(t, valid.Validate())

	missingHost := valid
	missingHost.Host = ""
	assert.Error(t, missingHost.Validate())

	missingJob := valid
	missingJob.JobId.Name = ""
	assert.Error(t, missingJob.Validate())

	badGoal := valid
	badGoal.Goal = Goal("PAUSE")
	assert.Error(t, badGoal.Validate())
}

func TestTaskStatusRoundTrip(t *testing.T) {
	exitCode := 7
	status := TaskStatus{
		State:       TaskExited,
		ContainerId: "c1",
		Throttled:   ThrottleRestartBackoff,
		Ports:       map[string]PortMapping{"http": {InternalPort: 8080, ExternalPort: 20000, Protocol: "tcp"}},
		Env:         map[string]string{"PORT": "8080"},
		Job:         JobId{Name: "web", Version: "v1", Hash: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
		ExitCode:    &exitCode,
	}

	data, err := json.Marshal(status)
	require.NoError(t, err)

	var decoded TaskStatus
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, status.State, decoded.State)
	assert.Equal(t, status.ContainerId, decoded.ContainerId)
	assert.Equal(t, status.Throttled, decoded.Throttled)
	assert.Equal(t, status.Ports, decoded.Ports)
	require.NotNil(t, decoded.ExitCode)
	assert.Equal(t, exitCode, *decoded.ExitCode)
}

func TestTaskStatusEventRoundTrip(t *testing.T) {
	event := TaskStatusEvent{
		Status:    TaskStatus{State: TaskRunning, Job: JobId{Name: "web", Version: "v1", Hash: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}},
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	data, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded TaskStatusEvent
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, event.Status.State, decoded.Status.State)
	assert.True(t, event.Timestamp.Equal(decoded.Timestamp))
}

func TestHostStatusRoundTrip(t *testing.T) {
	id := JobId{Name: "web", Version: "v1", Hash: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}
	status := HostStatus{
		Host:        "host-1",
		Status:      HostUp,
		AgentInfo:   AgentInfo{Version: "1.2.3", InstanceID: "inst-1"},
		RuntimeInfo: RuntimeInfo{ServerVersion: "19.03", ContainersRunning: 2},
		Jobs:        []JobId{id},
		Statuses:    map[string]TaskStatus{id.String(): {State: TaskRunning, Job: id}},
		Labels:      map[string]string{"env": "prod"},
	}

	data, err := json.Marshal(status)
	require.NoError(t, err)

	var decoded HostStatus
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, status.Host, decoded.Host)
	assert.Equal(t, status.Status, decoded.Status)
	assert.Equal(t, status.AgentInfo, decoded.AgentInfo)
	assert.Equal(t, status.Jobs, decoded.Jobs)
	assert.Equal(t, status.Labels, decoded.Labels)
	require.Len(t, decoded.Statuses, 1)
	assert.Equal(t, TaskRunning, decoded.Statuses[id.String()].State)
}

func TestHostInfoOmitsEmptyLabels(t *testing.T) {
	info := HostInfo{AgentInfo: AgentInfo{Version: "dev"}}
	data, err := json.Marshal(info)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"labels"`)
}
