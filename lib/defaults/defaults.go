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

// Package defaults defines the default values used throughout Helios
package defaults

import "time"

const (
	// EtcdKey is the default root path Helios namespaces all of its
	// coordination store keys under
	EtcdKey = "/helios"

	// EtcdLocalAddr is the default address of a co-located coordination
	// store member
	EtcdLocalAddr = "http://127.0.0.1:2379"

	// EtcdRetryInterval is the TTL of an ephemeral node registered with
	// the etcd backend; its session refreshes the node every third of it
	EtcdRetryInterval = 30 * time.Second

	// RetrySmallerMaxInterval bounds the elapsed time of a single retried
	// call when the caller hasn't overridden it
	RetrySmallerMaxInterval = 10 * time.Second

	// RetryInterval is the pause between attempts in utils.RetryFor
	RetryInterval = time.Second

	// DialTimeout bounds establishing a new connection, to the coordination
	// store or to the container runtime
	DialTimeout = 5 * time.Second

	// KeepAliveTimeout is the keep-alive interval for long-lived HTTP
	// connections to the coordination store
	KeepAliveTimeout = 30 * time.Second

	// MaxIdleConnsPerHost bounds the idle connection pool kept per
	// coordination store member
	MaxIdleConnsPerHost = 10

	// ReadHeadersTimeout bounds how long a coordination store call, including
	// a long-poll watch, waits for response headers
	ReadHeadersTimeout = 2 * time.Minute

	// WatchReconnectInterval is the pause before the Master's leader
	// election watch is re-established after it fails
	WatchReconnectInterval = 3 * time.Second

	// AgentHostLockTTL bounds how long a Supervisor's exclusive claim on
	// its host's Deployment tree survives without renewal, guarding
	// against two Agent processes (e.g. old and new, mid-restart)
	// reconciling the same host concurrently
	AgentHostLockTTL = 15 * time.Second

	// ShutdownTimeout bounds how long an actor waits for in-flight
	// coordination writes to complete on a shutdown signal
	ShutdownTimeout = 10 * time.Second

	// HistoryRetention is the default number of TaskStatusEvents retained
	// per (job, host) history trail
	HistoryRetention = 30

	// DynamicPortRangeStart is the first port the Agent considers when
	// assigning an external port that the operator left unspecified
	DynamicPortRangeStart = 20000

	// DynamicPortRangeEnd is the last port (inclusive) the Agent considers
	// for dynamic external port assignment
	DynamicPortRangeEnd = 32768

	// ImagePullRetryInterval is an initial backoff for image pull
	// retries. The task runner does not use it: a failed pull is retried
	// with the RestartInitialInterval/RestartMaxInterval backoff.
	ImagePullRetryInterval = 2 * time.Second

	// ImagePullMaxInterval is a backoff ceiling for image pull retries,
	// likewise not used by the task runner
	ImagePullMaxInterval = time.Minute

	// RestartInitialInterval is the initial backoff before restarting a
	// task whose container has exited
	RestartInitialInterval = time.Second

	// RestartMaxInterval bounds the restart backoff ceiling; once hit,
	// retries continue at this cadence. The task is marked throttled
	// after every exit, not only once this ceiling is reached.
	RestartMaxInterval = 5 * time.Minute

	// ContainerStopGracePeriod is used when a Job does not specify its own
	// GracePeriodSeconds
	ContainerStopGracePeriod = 10 * time.Second

	// ContainerPollInterval is how often a Task Runner polls a RUNNING
	// container's state while watching for it to exit
	ContainerPollInterval = 2 * time.Second

	// RuntimeCallTimeout bounds a single container runtime call
	RuntimeCallTimeout = 30 * time.Second

	// JobIDHashLength is the length, in hex characters, of a fully
	// qualified JobId hash
	JobIDHashLength = 40

	// JobIDShortHashLength is the length a short-form JobId hash is
	// truncated to
	JobIDShortHashLength = 7

	// SharedReadWriteMask is the permission bits for files Helios writes
	// that other local processes may need to read
	SharedReadWriteMask = 0644

	// SharedDirMask is the permission bits for directories Helios creates
	SharedDirMask = 0755

	// FailedExitCode is returned by the CLI collaborator (out of scope) for
	// any RPC failure whose error does not carry a more specific exit code
	FailedExitCode = 1

	// MasterHTTPAddr is the default listen address for the Master's RPC
	// HTTP transport
	MasterHTTPAddr = "0.0.0.0:4884"

	// AgentHTTPHealthAddr is the default listen address for the Agent's
	// local health/diagnostics endpoint
	AgentHTTPHealthAddr = "127.0.0.1:4885"

	// HumanDateFormat is used when rendering timestamps for operators
	HumanDateFormat = "Mon Jan 2 15:04 UTC"

	// HumanDateFormatSeconds is HumanDateFormat with second precision
	HumanDateFormatSeconds = "Mon Jan 2 15:04:05 UTC"

	// Completed is the number of blocks a rendered progress bar is divided into
	Completed = 20
)

// Helios container labels, applied to every container the Agent creates so
// a restarted Agent can adopt a container it finds already running
const (
	// JobIDLabel records the JobId the container was created to satisfy
	JobIDLabel = "io.helios.job-id"
	// HostLabel records the host the Deployment targets
	HostLabel = "io.helios.host"
)

// Component names used to scope logrus fields, matching the convention of
// one component per long-lived actor
const (
	ComponentMaster      = "master"
	ComponentAgent       = "agent"
	ComponentRunner      = "runner"
	ComponentCoordClient = "keyval"
	ComponentRuntime     = "runtime"
)
