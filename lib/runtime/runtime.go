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

package runtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/vinnylapenna/helios/lib/defaults"
	"github.com/vinnylapenna/helios/lib/storage"

	dockerapi "github.com/fsouza/go-dockerclient"
	"github.com/gravitational/trace"
)

// ContainerSpec is everything the Task Runner needs to create a
// container for one Deployment incarnation
type ContainerSpec struct {
	// Name is the container name, derived from the JobId and host
	Name string
	// Image is the image reference to run
	Image string
	// Command is the container argv, empty uses the image's default
	Command []string
	// Env is NAME=VALUE environment entries
	Env []string
	// Ports maps container port/proto to the assigned host port
	Ports map[string]int
	// Labels are applied to the container for later adoption/inspection
	Labels map[string]string
}

// ContainerState reports what the runtime knows about one container
type ContainerState struct {
	// ID is the runtime-assigned container id
	ID string
	// Running is true while the container's main process is alive
	Running bool
	// ExitCode is valid once Running is false and the container ran to completion
	ExitCode int
	// Labels are the container's labels, used to recover the owning JobId on adoption
	Labels map[string]string
}

// Runtime is the narrow contract the Task State Machine drives: pull
// an image, create/start/stop/inspect a container, and find
// containers by label to adopt across an agent restart.
type Runtime interface {
	// HasImage reports whether image is already present locally
	HasImage(ctx context.Context, image string) (bool, error)
	// Pull fetches image, blocking until it completes or ctx is done
	Pull(ctx context.Context, image string) error
	// CreateContainer creates (but does not start) a container from spec
	CreateContainer(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	// StartContainer starts a previously created container
	StartContainer(ctx context.Context, containerID string) error
	// StopContainer signals the container to stop, killing it after gracePeriod
	StopContainer(ctx context.Context, containerID string, gracePeriod int) error
	// RemoveContainer removes a stopped container
	RemoveContainer(ctx context.Context, containerID string) error
	// InspectContainer returns the current state of containerID
	InspectContainer(ctx context.Context, containerID string) (*ContainerState, error)
	// FindByLabel lists containers (including stopped ones) carrying label=value
	FindByLabel(ctx context.Context, label, value string) ([]ContainerState, error)
	// Info reports runtime-level info published as part of HostStatus
	Info(ctx context.Context) (storage.RuntimeInfo, error)
}

type dockerRuntime struct {
	client *dockerapi.Client
}

func (r *dockerRuntime) HasImage(ctx context.Context, image string) (bool, error) {
	_, err := r.client.InspectImage(image)
	if err == nil {
		return true, nil
	}
	if err == dockerapi.ErrNoSuchImage {
		return false, nil
	}
	return false, trace.Wrap(err)
}

func (r *dockerRuntime) Pull(ctx context.Context, image string) error {
	repo, tag := splitImage(image)
	err := r.client.PullImage(dockerapi.PullImageOptions{
		Repository: repo,
		Tag:        tag,
		Context:    ctx,
	}, dockerapi.AuthConfiguration{})
	return trace.Wrap(err)
}

func splitImage(image string) (repo, tag string) {
	idx := strings.LastIndex(image, ":")
	if idx < 0 {
		return image, "latest"
	}
	// guard against a ':' that belongs to a registry port, e.g. host:5000/name
	if strings.Contains(image[idx:], "/") {
		return image, "latest"
	}
	return image[:idx], image[idx+1:]
}

func (r *dockerRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	portBindings := dockerapi.PortMap{}
	exposedPorts := map[dockerapi.Port]struct{}{}
	for portProto, hostPort := range spec.Ports {
		p := dockerapi.Port(portProto)
		exposedPorts[p] = struct{}{}
		portBindings[p] = []dockerapi.PortBinding{{HostPort: fmt.Sprintf("%d", hostPort)}}
	}
	container, err := r.client.CreateContainer(dockerapi.CreateContainerOptions{
		Name: spec.Name,
		Config: &dockerapi.Config{
			Image:        spec.Image,
			Cmd:          spec.Command,
			Env:          spec.Env,
			Labels:       spec.Labels,
			ExposedPorts: exposedPorts,
		},
		HostConfig: &dockerapi.HostConfig{
			PortBindings: portBindings,
		},
		Context: ctx,
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	return container.ID, nil
}

func (r *dockerRuntime) StartContainer(ctx context.Context, containerID string) error {
	err := r.client.StartContainerWithContext(containerID, nil, ctx)
	return trace.Wrap(err)
}

func (r *dockerRuntime) StopContainer(ctx context.Context, containerID string, gracePeriod int) error {
	if gracePeriod <= 0 {
		gracePeriod = int(defaults.ContainerStopGracePeriod.Seconds())
	}
	err := r.client.StopContainerWithContext(containerID, uint(gracePeriod), ctx)
	return trace.Wrap(err)
}

func (r *dockerRuntime) RemoveContainer(ctx context.Context, containerID string) error {
	err := r.client.RemoveContainer(dockerapi.RemoveContainerOptions{
		ID:      containerID,
		Force:   true,
		Context: ctx,
	})
	return trace.Wrap(err)
}

func (r *dockerRuntime) InspectContainer(ctx context.Context, containerID string) (*ContainerState, error) {
	c, err := r.client.InspectContainerWithContext(containerID, ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return toContainerState(c), nil
}

func toContainerState(c *dockerapi.Container) *ContainerState {
	labels := c.Config.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	return &ContainerState{
		ID:       c.ID,
		Running:  c.State.Running,
		ExitCode: c.State.ExitCode,
		Labels:   labels,
	}
}

func (r *dockerRuntime) FindByLabel(ctx context.Context, label, value string) ([]ContainerState, error) {
	containers, err := r.client.ListContainers(dockerapi.ListContainersOptions{
		All:     true,
		Filters: map[string][]string{"label": {fmt.Sprintf("%s=%s", label, value)}},
		Context: ctx,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]ContainerState, 0, len(containers))
	for _, c := range containers {
		full, err := r.InspectContainer(ctx, c.ID)
		if err != nil {
			continue
		}
		out = append(out, *full)
	}
	return out, nil
}

func (r *dockerRuntime) Info(ctx context.Context) (storage.RuntimeInfo, error) {
	env, err := r.client.Info()
	if err != nil {
		return storage.RuntimeInfo{}, trace.Wrap(err)
	}
	return storage.RuntimeInfo{
		ServerVersion:     env.Get("ServerVersion"),
		ContainersRunning: env.GetInt("ContainersRunning"),
	}, nil
}
