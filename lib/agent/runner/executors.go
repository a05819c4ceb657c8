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
	"fmt"
	"strings"

	"github.com/vinnylapenna/helios/lib/defaults"
	"github.com/vinnylapenna/helios/lib/runtime"
	"github.com/vinnylapenna/helios/lib/storage"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// pullImageExecutor pulls the job's image if it is not already
// present locally, entering PULLING_IMAGE only when a pull is needed
type pullImageExecutor struct {
	runner *Runner
	logrus.FieldLogger
}

func (e *pullImageExecutor) PreCheck(ctx context.Context) error { return nil }

func (e *pullImageExecutor) Execute(ctx context.Context) error {
	r := e.runner
	has, err := r.runtime.HasImage(ctx, r.job.Image)
	if err != nil {
		return trace.Wrap(err)
	}
	if has {
		return nil
	}
	r.setState(storage.TaskPullingImage, "")
	if err := r.runtime.Pull(ctx, r.job.Image); err != nil {
		if isPermanentPullError(err) {
			r.setState(storage.TaskFailed, storage.ThrottleImageMissing)
		}
		return trace.Wrap(err)
	}
	return nil
}

// isPermanentPullError reports whether err indicates the image can
// never be pulled as configured (missing repository, bad credentials)
// rather than a transient registry hiccup worth a plain retry. The
// task still backs off and retries either way per §7's propagation
// policy; this only controls whether FAILED is published meanwhile.
func isPermanentPullError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"not found", "manifest unknown", "repository does not exist",
		"unauthorized", "authentication required", "access denied",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (e *pullImageExecutor) PostCheck(ctx context.Context) error { return nil }
func (e *pullImageExecutor) Rollback(ctx context.Context) error  { return nil }

// createContainerExecutor creates (but does not start) the job's container
type createContainerExecutor struct {
	runner *Runner
	logrus.FieldLogger
}

func (e *createContainerExecutor) PreCheck(ctx context.Context) error { return nil }

func (e *createContainerExecutor) Execute(ctx context.Context) error {
	r := e.runner
	r.setState(storage.TaskCreating, "")
	if err := r.publishStatus(ctx); err != nil {
		return trace.Wrap(err)
	}

	ports, env, err := r.resolvePorts(ctx)
	if err != nil {
		return trace.Wrap(err)
	}

	spec := runtime.ContainerSpec{
		Name:    containerName(r.host, r.jobID),
		Image:   r.job.Image,
		Command: r.job.Command,
		Env:     toEnvSlice(env),
		Ports:   ports,
		Labels: map[string]string{
			defaults.JobIDLabel: r.jobID.String(),
			defaults.HostLabel:  r.host,
		},
	}
	id, err := r.runtime.CreateContainer(ctx, spec)
	if err != nil {
		return trace.Wrap(err)
	}
	r.setContainerID(id)
	r.setResolvedPorts(ports, env)
	r.setState(storage.TaskStarting, "")
	return nil
}

func (e *createContainerExecutor) PostCheck(ctx context.Context) error { return nil }

func (e *createContainerExecutor) Rollback(ctx context.Context) error {
	r := e.runner
	id := r.containerID()
	if id == "" {
		return nil
	}
	return trace.Wrap(r.runtime.RemoveContainer(ctx, id))
}

// startContainerExecutor starts a previously created container and
// inspects it once, failing if it is not running at that moment
type startContainerExecutor struct {
	runner *Runner
	logrus.FieldLogger
}

func (e *startContainerExecutor) PreCheck(ctx context.Context) error { return nil }

func (e *startContainerExecutor) Execute(ctx context.Context) error {
	r := e.runner
	r.setState(storage.TaskStarting, "")
	if err := r.runtime.StartContainer(ctx, r.containerID()); err != nil {
		return trace.Wrap(err)
	}
	state, err := r.runtime.InspectContainer(ctx, r.containerID())
	if err != nil {
		return trace.Wrap(err)
	}
	if !state.Running {
		return trace.BadParameter("container %v exited immediately with code %v", state.ID, state.ExitCode)
	}
	r.setState(storage.TaskRunning, "")
	r.registerServices(ctx)
	return nil
}

func (e *startContainerExecutor) PostCheck(ctx context.Context) error { return nil }

func (e *startContainerExecutor) Rollback(ctx context.Context) error {
	r := e.runner
	return trace.Wrap(r.runtime.StopContainer(ctx, r.containerID(), 0))
}

// stopContainerExecutor asks the runtime to stop the task's container,
// honoring the job's GracePeriodSeconds before a force-kill
type stopContainerExecutor struct {
	runner *Runner
	logrus.FieldLogger
}

func (e *stopContainerExecutor) PreCheck(ctx context.Context) error { return nil }

func (e *stopContainerExecutor) Execute(ctx context.Context) error {
	r := e.runner
	r.setState(storage.TaskStopping, "")
	r.deregisterServices(ctx)
	id := r.containerID()
	if id == "" {
		r.setState(storage.TaskStopped, "")
		return nil
	}
	grace := r.job.GracePeriodSeconds
	if grace <= 0 {
		grace = int(defaults.ContainerStopGracePeriod.Seconds())
	}
	if err := r.runtime.StopContainer(ctx, id, grace); err != nil {
		return trace.Wrap(err)
	}
	r.setState(storage.TaskStopped, "")
	return nil
}

func (e *stopContainerExecutor) PostCheck(ctx context.Context) error { return nil }
func (e *stopContainerExecutor) Rollback(ctx context.Context) error  { return nil }

// removeContainerExecutor removes a stopped container once STOPPED is confirmed
type removeContainerExecutor struct {
	runner *Runner
	logrus.FieldLogger
}

func (e *removeContainerExecutor) PreCheck(ctx context.Context) error { return nil }

func (e *removeContainerExecutor) Execute(ctx context.Context) error {
	r := e.runner
	id := r.containerID()
	if id == "" {
		return nil
	}
	if err := r.runtime.RemoveContainer(ctx, id); err != nil {
		return trace.Wrap(err)
	}
	r.setContainerID("")
	return nil
}

func (e *removeContainerExecutor) PostCheck(ctx context.Context) error { return nil }
func (e *removeContainerExecutor) Rollback(ctx context.Context) error  { return nil }

// adoptContainerExecutor looks for a container this (or a prior) agent
// incarnation left running for jobID, per the resume contract in §4.5
type adoptContainerExecutor struct {
	runner *Runner
	logrus.FieldLogger
}

func (e *adoptContainerExecutor) PreCheck(ctx context.Context) error { return nil }

func (e *adoptContainerExecutor) Execute(ctx context.Context) error {
	r := e.runner
	matches, err := r.runtime.FindByLabel(ctx, defaults.JobIDLabel, r.jobID.String())
	if err != nil {
		return trace.Wrap(err)
	}
	for _, c := range matches {
		if c.Labels[defaults.HostLabel] != r.host {
			continue
		}
		r.setContainerID(c.ID)
		if c.Running {
			r.setState(storage.TaskRunning, "")
			r.registerServices(ctx)
		} else {
			r.setState(storage.TaskExited, "")
		}
		return nil
	}
	return trace.NotFound("no container found for %v on %v", r.jobID, r.host)
}

func (e *adoptContainerExecutor) PostCheck(ctx context.Context) error { return nil }
func (e *adoptContainerExecutor) Rollback(ctx context.Context) error  { return nil }

func containerName(host string, id storage.JobId) string {
	return fmt.Sprintf("helios-%v-%v", host, id.Short().String())
}

func toEnvSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
