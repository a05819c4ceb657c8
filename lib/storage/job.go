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

// Package storage defines the descriptor model: the immutable Job
// specification, the JobId content hash, Deployments, and the status
// records the Agent publishes back to the coordination store.
package storage

import (
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gravitational/trace"
)

// Protocol is the transport protocol of a PortMapping
type Protocol string

const (
	// ProtocolTCP is the TCP transport protocol
	ProtocolTCP Protocol = "tcp"
	// ProtocolUDP is the UDP transport protocol
	ProtocolUDP Protocol = "udp"
)

// PortMapping describes a single port a Job's container exposes.
// ExternalPort is left unset when the operator wants the agent to
// assign one dynamically from its configured range.
type PortMapping struct {
	// InternalPort is the port the container listens on
	InternalPort int `json:"internal_port"`
	// ExternalPort is the host port, assigned dynamically if zero
	ExternalPort int `json:"external_port,omitempty"`
	// Protocol is either tcp or udp, defaulting to tcp
	Protocol Protocol `json:"protocol,omitempty"`
}

// CheckAndSetDefaults validates the port mapping and fills in defaults
func (p *PortMapping) CheckAndSetDefaults() error {
	if p.InternalPort <= 0 || p.InternalPort > 65535 {
		return trace.BadParameter("internal_port %v out of range", p.InternalPort)
	}
	if p.ExternalPort < 0 || p.ExternalPort > 65535 {
		return trace.BadParameter("external_port %v out of range", p.ExternalPort)
	}
	if p.Protocol == "" {
		p.Protocol = ProtocolTCP
	}
	if p.Protocol != ProtocolTCP && p.Protocol != ProtocolUDP {
		return trace.BadParameter("unsupported protocol %q", p.Protocol)
	}
	return nil
}

// Resources is a descriptive, unenforced resource hint recorded on a
// Job purely for operator observability
type Resources struct {
	// CPU is the number of CPU cores requested, fractional allowed
	CPU float64 `json:"cpu,omitempty"`
	// MemoryMiB is the amount of memory requested in mebibytes
	MemoryMiB int64 `json:"memory_mib,omitempty"`
}

// Registration shapes the payload a Job's port hands to the
// service-discovery plugin; Helios defines the shape only, the plugin
// itself is an external collaborator
type Registration struct {
	// ServiceName is the name the port is registered under
	ServiceName string `json:"service_name"`
	// Tags are opaque labels passed through to the plugin
	Tags []string `json:"tags,omitempty"`
}

// Volume is a bind mount recorded on the Job. runtime.ContainerSpec has
// no volumes, so it is not passed to the container runtime.
type Volume struct {
	// Path is the in-container mount path
	Path string `json:"path"`
	// Source is the host path being mounted
	Source string `json:"source"`
	// ReadOnly mounts the volume read-only when true
	ReadOnly bool `json:"read_only,omitempty"`
}

// Job is an immutable container specification. Two Jobs with the same
// JobId are guaranteed to carry identical config by construction: the
// id is derived from the config, never assigned independently.
type Job struct {
	// Name identifies the job within its version lineage, must not contain ':'
	Name string `json:"name"`
	// Version distinguishes successive configs under the same Name, must not contain ':'
	Version string `json:"version"`
	// Image is the runtime-interpreted image reference
	Image string `json:"image"`
	// Command is the ordered argv the container is started with
	Command []string `json:"command"`
	// Env is the container environment, iteration order irrelevant
	Env map[string]string `json:"env"`
	// Ports maps a job-local port name to its mapping
	Ports map[string]PortMapping `json:"ports"`
	// Resources is a descriptive, unenforced hint; never fed to the hash
	Resources Resources `json:"resources,omitempty"`
	// Registration maps a job-local port name to its service-discovery payload
	Registration map[string]Registration `json:"registration,omitempty"`
	// GracePeriodSeconds bounds how long STOPPING waits before a force-kill
	GracePeriodSeconds int `json:"grace_period_seconds,omitempty"`
	// Volumes are bind mounts recorded on the Job; they are not passed to
	// the container runtime
	Volumes []Volume `json:"volumes,omitempty"`
	// Hash is the content-derived hex SHA-1 identifying this config
	Hash string `json:"hash"`
}

// jobConfig is the subset of Job fields that feed the content hash, in
// the fixed key order the canonical serialization requires. Ports are
// deliberately excluded: per the conformance fixtures (spec scenario
// S1) the hashed mapping is exactly {command, image, name, version, env}.
type jobConfig struct {
	Command []string          `json:"command"`
	Env     map[string]string `json:"env"`
	Image   string            `json:"image"`
	Name    string            `json:"name"`
	Version string            `json:"version"`
}

// JobBuilder accumulates a Job's fields and computes its JobId once
// building completes, reflecting that the hash can only be derived
// after every persisted field is set.
type JobBuilder struct {
	job Job
}

// NewJobBuilder returns a builder seeded with the job's identity fields
func NewJobBuilder(name, version, image string) *JobBuilder {
	return &JobBuilder{job: Job{
		Name:    name,
		Version: version,
		Image:   image,
		Env:     map[string]string{},
		Ports:   map[string]PortMapping{},
	}}
}

// Command sets the container argv
func (b *JobBuilder) Command(command ...string) *JobBuilder {
	b.job.Command = command
	return b
}

// Env sets the container environment
func (b *JobBuilder) Env(env map[string]string) *JobBuilder {
	if env == nil {
		env = map[string]string{}
	}
	b.job.Env = env
	return b
}

// Port adds a named port mapping
func (b *JobBuilder) Port(name string, mapping PortMapping) *JobBuilder {
	b.job.Ports[name] = mapping
	return b
}

// Resources sets the descriptive, unenforced resource hint
func (b *JobBuilder) Resources(r Resources) *JobBuilder {
	b.job.Resources = r
	return b
}

// Register attaches a service-discovery payload to a named port
func (b *JobBuilder) Register(portName string, reg Registration) *JobBuilder {
	if b.job.Registration == nil {
		b.job.Registration = map[string]Registration{}
	}
	b.job.Registration[portName] = reg
	return b
}

// GracePeriod sets how long STOPPING waits before a force-kill
func (b *JobBuilder) GracePeriod(seconds int) *JobBuilder {
	b.job.GracePeriodSeconds = seconds
	return b
}

// Volume appends a bind mount
func (b *JobBuilder) Volume(v Volume) *JobBuilder {
	b.job.Volumes = append(b.job.Volumes, v)
	return b
}

// Build validates the accumulated fields, computes the content hash,
// and returns the frozen Job
func (b *JobBuilder) Build() (*Job, error) {
	job := b.job
	if job.Command == nil {
		job.Command = []string{}
	}
	if err := job.Validate(); err != nil {
		return nil, trace.Wrap(err)
	}
	hash, err := job.computeHash()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	job.Hash = hash
	return &job, nil
}

// Validate checks the job's fields, independent of the hash
func (j *Job) Validate() error {
	if j.Name == "" {
		return trace.BadParameter("job name is required")
	}
	if strings.Contains(j.Name, ":") {
		return trace.BadParameter("job name %q must not contain ':'", j.Name)
	}
	if j.Version == "" {
		return trace.BadParameter("job version is required")
	}
	if strings.Contains(j.Version, ":") {
		return trace.BadParameter("job version %q must not contain ':'", j.Version)
	}
	if j.Image == "" {
		return trace.BadParameter("job image is required")
	}
	for name, port := range j.Ports {
		if err := port.CheckAndSetDefaults(); err != nil {
			return trace.Wrap(err, "port %q", name)
		}
		j.Ports[name] = port
	}
	for name := range j.Registration {
		if _, ok := j.Ports[name]; !ok {
			return trace.BadParameter("registration refers to unknown port %q", name)
		}
	}
	for i, v := range j.Volumes {
		if v.Path == "" || v.Source == "" {
			return trace.BadParameter("volume %v requires both path and source", i)
		}
	}
	return nil
}

// computeHash derives the JobId hash from the job's persisted config,
// following the canonical serialization + double SHA-1 algorithm
func (j *Job) computeHash() (string, error) {
	env := j.Env
	if env == nil {
		env = map[string]string{}
	}
	command := j.Command
	if command == nil {
		command = []string{}
	}
	cfg := jobConfig{
		Command: command,
		Env:     env,
		Image:   j.Image,
		Name:    j.Name,
		Version: j.Version,
	}
	serialized, err := canonicalJSON(cfg)
	if err != nil {
		return "", trace.Wrap(err)
	}
	configHash := sha1.Sum(serialized)
	input := j.Name + ":" + j.Version + ":" + fmt.Sprintf("%x", configHash)
	jobHash := sha1.Sum([]byte(input))
	return fmt.Sprintf("%x", jobHash), nil
}

// canonicalJSON marshals v into a form with sorted object keys and no
// insignificant whitespace. encoding/json already sorts map keys,
// struct fields appear in declaration order, and json.Marshal's output
// carries no extraneous whitespace, which combined with jobConfig's
// field order above produces the spec's fixed key order.
func canonicalJSON(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

// ID returns the job's JobId
func (j *Job) ID() JobId {
	return JobId{Name: j.Name, Version: j.Version, Hash: j.Hash}
}

// CheckHash verifies that the job's stored Hash matches the hash
// computed from its current config, per invariant (c) in §3
func (j *Job) CheckHash() error {
	expected, err := j.computeHash()
	if err != nil {
		return trace.Wrap(err)
	}
	if expected != j.Hash {
		return trace.BadParameter("job %v/%v hash mismatch: stored %v, computed %v",
			j.Name, j.Version, j.Hash, expected)
	}
	return nil
}

// Equal reports whether two jobs carry the same hash, name and version.
// CreateJob does not call it; it compares hashes directly.
func (j *Job) Equal(other *Job) bool {
	if other == nil {
		return false
	}
	return j.Hash == other.Hash && j.Name == other.Name && j.Version == other.Version
}

// JobId uniquely identifies a Job by name, version and content hash.
// The short form omits or truncates the hash to 7 hex characters; the
// fully qualified form carries the full 40-hex hash.
type JobId struct {
	Name    string
	Version string
	Hash    string
}

// String renders the JobId as "name:version:hash", omitting trailing
// empty components
func (id JobId) String() string {
	switch {
	case id.Version == "" && id.Hash == "":
		return id.Name
	case id.Hash == "":
		return id.Name + ":" + id.Version
	default:
		return id.Name + ":" + id.Version + ":" + id.Hash
	}
}

// MarshalJSON renders the JobId as its bare string form
func (id JobId) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON parses the JobId from its bare string form
func (id *JobId) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return trace.Wrap(err)
	}
	parsed, err := ParseJobId(s)
	if err != nil {
		return trace.Wrap(err)
	}
	*id = parsed
	return nil
}

// ParseJobId parses a "name", "name:version" or "name:version:hash"
// string into a JobId. Any other number of colon-separated parts is a
// parse error.
func ParseJobId(s string) (JobId, error) {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		return JobId{Name: parts[0]}, nil
	case 2:
		return JobId{Name: parts[0], Version: parts[1]}, nil
	case 3:
		return JobId{Name: parts[0], Version: parts[1], Hash: parts[2]}, nil
	default:
		return JobId{}, trace.BadParameter("invalid job id %q: expected 1, 2 or 3 colon-separated parts", s)
	}
}

// IsFullyQualified reports whether the id carries a full 40-hex hash
func (id JobId) IsFullyQualified() bool {
	return len(id.Hash) == 40
}

// Short returns a copy of the id with its hash truncated to 7 hex characters
func (id JobId) Short() JobId {
	if len(id.Hash) <= 7 {
		return id
	}
	id.Hash = id.Hash[:7]
	return id
}

// CompareJobIds orders ids by name, then version, then hash, with
// empty (null) components sorting first
func CompareJobIds(a, b JobId) int {
	if c := strings.Compare(a.Name, b.Name); c != 0 {
		return c
	}
	if c := strings.Compare(a.Version, b.Version); c != 0 {
		return c
	}
	return strings.Compare(a.Hash, b.Hash)
}

// SortJobIds sorts ids in place using CompareJobIds
func SortJobIds(ids []JobId) {
	sort.Slice(ids, func(i, j int) bool {
		return CompareJobIds(ids[i], ids[j]) < 0
	})
}
