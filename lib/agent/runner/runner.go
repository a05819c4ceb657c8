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
	"sync"

	"github.com/vinnylapenna/helios/lib/defaults"
	"github.com/vinnylapenna/helios/lib/fsm"
	"github.com/vinnylapenna/helios/lib/runtime"
	"github.com/vinnylapenna/helios/lib/storage"
	"github.com/vinnylapenna/helios/lib/storage/keyval"
	"github.com/vinnylapenna/helios/lib/utils"

	"github.com/cenkalti/backoff"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// ServiceRegistry is the external service-discovery collaborator a
// Job's Registration entries are handed to. Helios ships a no-op
// implementation; a real one is provided by the deployment.
type ServiceRegistry interface {
	// Register advertises one resolved port under reg
	Register(ctx context.Context, jobID storage.JobId, host string, reg storage.Registration, port storage.PortMapping) error
	// Deregister withdraws everything Register previously advertised for jobID on host
	Deregister(ctx context.Context, jobID storage.JobId, host string) error
}

// noopRegistry discards every call, used when no ServiceRegistry is configured
type noopRegistry struct{}

func (noopRegistry) Register(ctx context.Context, jobID storage.JobId, host string, reg storage.Registration, port storage.PortMapping) error {
	return nil
}

func (noopRegistry) Deregister(ctx context.Context, jobID storage.JobId, host string) error {
	return nil
}

// Config configures a single Runner
type Config struct {
	// JobID is the job this Runner drives
	JobID storage.JobId
	// Job is the job descriptor itself
	Job storage.Job
	// Host is the host this Runner's container runs on
	Host string
	// Backend is the coordination store Runner publishes status to
	Backend keyval.Backend
	// Runtime creates/drives the job's container
	Runtime runtime.Runtime
	// Registry advertises resolved ports to service discovery. Defaults to a no-op.
	Registry ServiceRegistry
	// Clock is injected for deterministic tests
	Clock clockwork.Clock
	// HistoryRetention bounds the number of TaskStatusEvents kept per task
	HistoryRetention int
	// Logger receives Runner's structured log output
	Logger logrus.FieldLogger
}

// CheckAndSetDefaults validates c and fills in defaults
func (c *Config) CheckAndSetDefaults() error {
	if !c.JobID.IsFullyQualified() {
		return trace.BadParameter("JobID is required")
	}
	if c.Host == "" {
		return trace.BadParameter("Host is required")
	}
	if c.Backend == nil {
		return trace.BadParameter("Backend is required")
	}
	if c.Runtime == nil {
		return trace.BadParameter("Runtime is required")
	}
	if c.Registry == nil {
		c.Registry = noopRegistry{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.HistoryRetention <= 0 {
		c.HistoryRetention = defaults.HistoryRetention
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField(trace.Component, defaults.ComponentRunner)
	}
	return nil
}

// Runner drives the Task State Machine for one (JobId, Host) pair:
// it watches the Deployment's Goal and reconciles the container
// lifecycle to match, publishing TaskStatus and history as it goes.
type Runner struct {
	jobID    storage.JobId
	host     string
	job      storage.Job
	backend  keyval.Backend
	runtime  runtime.Runtime
	registry ServiceRegistry
	clock    clockwork.Clock

	historyRetention int
	logger           logrus.FieldLogger

	fsm *fsm.FSM

	mu     sync.Mutex
	status storage.TaskStatus
	seq    int64
	contID string

	// goalCh delivers goal updates observed after the Runner has
	// started, e.g. an operator flipping an existing Deployment from
	// START to STOP without removing it. Buffered 1: only the latest
	// goal matters, so a pending update is replaced rather than queued.
	goalCh chan storage.Goal
}

// New returns a Runner ready to Run
func New(cfg Config) (*Runner, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	r := &Runner{
		jobID:            cfg.JobID,
		host:             cfg.Host,
		job:              cfg.Job,
		backend:          cfg.Backend,
		runtime:          cfg.Runtime,
		registry:         cfg.Registry,
		clock:            cfg.Clock,
		historyRetention: cfg.HistoryRetention,
		logger:           cfg.Logger.WithField("job", cfg.JobID.Short().String()).WithField("host", cfg.Host),
		status:           storage.TaskStatus{Job: cfg.JobID},
		goalCh:           make(chan storage.Goal, 1),
	}
	engine, err := newFSM(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	r.fsm = engine
	return r, nil
}

func (r *Runner) nextHistorySeq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return r.seq
}

func (r *Runner) setState(state storage.TaskState, throttled storage.ThrottleReason) {
	r.mu.Lock()
	r.status.State = state
	r.status.Throttled = throttled
	r.mu.Unlock()
}

func (r *Runner) setThrottled(reason storage.ThrottleReason) {
	r.mu.Lock()
	r.status.Throttled = reason
	r.mu.Unlock()
}

func (r *Runner) setExited(exitCode int) {
	r.mu.Lock()
	r.status.State = storage.TaskExited
	r.status.ExitCode = &exitCode
	r.mu.Unlock()
}

func (r *Runner) setContainerID(id string) {
	r.mu.Lock()
	r.contID = id
	r.status.ContainerId = id
	r.mu.Unlock()
}

func (r *Runner) containerID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contID
}

func (r *Runner) setResolvedPorts(ports map[string]int, env map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	resolved := make(map[string]storage.PortMapping, len(r.job.Ports))
	for name, mapping := range r.job.Ports {
		external := mapping.ExternalPort
		key := fmt.Sprintf("%v/%v", mapping.InternalPort, mapping.Protocol)
		if p, ok := ports[key]; ok {
			external = p
		}
		resolved[name] = storage.PortMapping{
			InternalPort: mapping.InternalPort,
			ExternalPort: external,
			Protocol:     mapping.Protocol,
		}
	}
	r.status.Ports = resolved
	r.status.Env = env
}

// resolvePorts assigns a host port to every PortMapping that requests
// dynamic assignment (ExternalPort == 0), returning the runtime-level
// port map plus the job's environment, both ready for ContainerSpec
func (r *Runner) resolvePorts(ctx context.Context) (map[string]int, map[string]string, error) {
	ports := make(map[string]int, len(r.job.Ports))
	next := defaults.DynamicPortRangeStart
	for _, mapping := range r.job.Ports {
		external := mapping.ExternalPort
		if external == 0 {
			var err error
			external, next, err = r.allocatePort(ctx, next)
			if err != nil {
				return nil, nil, trace.Wrap(err)
			}
		}
		key := fmt.Sprintf("%v/%v", mapping.InternalPort, mapping.Protocol)
		ports[key] = external
	}
	env := make(map[string]string, len(r.job.Env))
	for k, v := range r.job.Env {
		env[k] = v
	}
	return ports, env, nil
}

// allocatePort picks the first port at or after from within the
// configured dynamic range. Ports held by other Runners on the same
// host are not excluded: every Runner's allocation starts again at
// DynamicPortRangeStart, and Runners are started concurrently.
func (r *Runner) allocatePort(ctx context.Context, from int) (port int, next int, err error) {
	if from > defaults.DynamicPortRangeEnd {
		return 0, from, trace.BadParameter("no free port in range [%v, %v]", defaults.DynamicPortRangeStart, defaults.DynamicPortRangeEnd)
	}
	return from, from + 1, nil
}

func (r *Runner) registerServices(ctx context.Context) {
	r.mu.Lock()
	ports := r.status.Ports
	r.mu.Unlock()
	for name, reg := range r.job.Registration {
		port, ok := ports[name]
		if !ok {
			continue
		}
		if err := r.registry.Register(ctx, r.jobID, r.host, reg, port); err != nil {
			r.logger.WithError(err).WithField("service", reg.ServiceName).Warn("Failed to register service.")
		}
	}
}

func (r *Runner) deregisterServices(ctx context.Context) {
	if len(r.job.Registration) == 0 {
		return
	}
	if err := r.registry.Deregister(ctx, r.jobID, r.host); err != nil {
		r.logger.WithError(err).Warn("Failed to deregister service.")
	}
}

// UpdateGoal delivers a newly observed goal to a live Runner, e.g.
// after the supervisor's watch fires because an operator changed an
// existing Deployment's goal in place (SetGoal) rather than adding or
// removing the Deployment entirely. Only the latest goal is kept.
func (r *Runner) UpdateGoal(goal storage.Goal) {
	select {
	case r.goalCh <- goal:
		return
	default:
	}
	select {
	case <-r.goalCh:
	default:
	}
	select {
	case r.goalCh <- goal:
	default:
	}
}

// Run drives the Task State Machine to match goal, adopting an
// already-running container first if one exists (e.g. after an Agent
// restart), then reconciling towards whatever goal is current,
// re-entering the loop below whenever UpdateGoal delivers a change.
func (r *Runner) Run(ctx context.Context, goal storage.Goal) error {
	r.runTransition(ctx, transitionAdopt)

	current := goal
	for {
		loopCtx, cancel := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func(g storage.Goal) {
			errCh <- r.runGoal(loopCtx, g)
		}(current)

		select {
		case err := <-errCh:
			cancel()
			return err
		case newGoal := <-r.goalCh:
			cancel()
			<-errCh // wait for the in-flight transition to unwind before switching
			if newGoal == current {
				continue
			}
			current = newGoal
		}
	}
}

func (r *Runner) runGoal(ctx context.Context, goal storage.Goal) error {
	switch goal {
	case storage.GoalStart:
		return r.runStartLoop(ctx)
	case storage.GoalStop:
		return trace.Wrap(r.reconcileStop(ctx))
	case storage.GoalUndeploy:
		if err := r.reconcileStop(ctx); err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(r.finalizeUndeploy(context.Background()))
	default:
		return trace.BadParameter("unsupported goal %q", goal)
	}
}

// finalizeUndeploy garbage-collects this task's coordination-store
// state once its container has been confirmed stopped and removed:
// the published TaskStatus, the Deployment record that asked for the
// UNDEPLOY, and the jobref marker RemoveJob checks. It always runs on
// a background context, independent of the Runner's own lifetime,
// since the supervisor cancels that context the moment it sees the
// Deployment disappear from the watched directory.
func (r *Runner) finalizeUndeploy(ctx context.Context) error {
	idStr := r.jobID.String()
	err := r.backend.Transaction(ctx, []keyval.Op{
		{Kind: keyval.OpDelete, Path: keyval.TaskStatusKey(r.host, idStr)},
		{Kind: keyval.OpDelete, Path: keyval.DeploymentKey(r.host, idStr)},
		{Kind: keyval.OpDelete, Path: keyval.JobRefKey(idStr, r.host)},
	})
	if err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	return nil
}

// runStartLoop keeps the task RUNNING for as long as ctx is live: it
// reconciles to RUNNING, waits for the container to exit on its own,
// records the EXITED transition, then restarts with exponential
// backoff, throttled while it does. This is the automatic-restart
// policy from §4.5: EXITED and FAILED are never terminal for a goal=START
// deployment, only for the current container incarnation.
func (r *Runner) runStartLoop(ctx context.Context) error {
	restartBackoff := backoff.NewExponentialBackOff()
	restartBackoff.InitialInterval = defaults.RestartInitialInterval
	restartBackoff.MaxInterval = defaults.RestartMaxInterval
	restartBackoff.MaxElapsedTime = 0

	for {
		if err := r.reconcileStart(ctx); err != nil {
			return err
		}

		exitCode, err := r.waitForExit(ctx)
		if err != nil {
			return err
		}
		r.setExited(exitCode)
		if err := r.publishStatus(ctx); err != nil {
			r.logger.WithError(err).Warn("Failed to publish EXITED status.")
		}

		wait := restartBackoff.NextBackOff()
		r.setThrottled(storage.ThrottleRestartBackoff)
		r.logger.WithField("exit_code", exitCode).WithField("restart_in", wait).
			Info("Container exited, restarting.")
		select {
		case <-ctx.Done():
			return nil
		case <-r.clock.After(wait):
		}
	}
}

// waitForExit polls the task's container until it is no longer
// running or ctx is canceled. Coarse polling, not a runtime event
// stream, matches §4.5's allowance for sampled intermediate state.
func (r *Runner) waitForExit(ctx context.Context) (int, error) {
	ticker := r.clock.NewTicker(defaults.ContainerPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.Chan():
			id := r.containerID()
			if id == "" {
				return 0, nil
			}
			state, err := r.runtime.InspectContainer(ctx, id)
			if err != nil {
				r.logger.WithError(err).Warn("Failed to inspect container while monitoring.")
				continue
			}
			if !state.Running {
				return state.ExitCode, nil
			}
		}
	}
}

func (r *Runner) reconcileStart(ctx context.Context) error {
	r.mu.Lock()
	state := r.status.State
	r.mu.Unlock()
	if state == storage.TaskRunning {
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaults.RestartInitialInterval
	b.MaxInterval = defaults.RestartMaxInterval
	b.MaxElapsedTime = 0

	return utils.RetryWithInterval(ctx, b, func() error {
		for _, t := range []string{transitionPull, transitionCreate, transitionStart} {
			if err := r.runTransition(ctx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Runner) reconcileStop(ctx context.Context) error {
	if err := r.runTransition(ctx, transitionStop); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(r.runTransition(ctx, transitionRemove))
}

func (r *Runner) runTransition(ctx context.Context, transitionID string) error {
	return r.fsm.RunTransition(ctx, fsm.ExecutorParams{TransitionID: transitionID})
}
