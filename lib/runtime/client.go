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

// Package runtime adapts the container runtime (out of scope per §1,
// specified only at its interface) behind the narrow contract the
// Task State Machine drives: pull, create, start, stop, inspect, and
// list-by-label for adopting containers left running by a prior
// agent incarnation.
package runtime

import (
	"time"

	"github.com/vinnylapenna/helios/lib/defaults"

	dockerapi "github.com/fsouza/go-dockerclient"
	"github.com/gravitational/trace"
)

// NewClientFromEnv creates a runtime client using the environment's
// DOCKER_HOST/DOCKER_CERT_PATH/DOCKER_TLS_VERIFY conventions
func NewClientFromEnv() (*dockerapi.Client, error) {
	client, err := dockerapi.NewClientFromEnv()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := client.Version(); err != nil {
		return nil, trace.Wrap(err)
	}
	return client, nil
}

// NewClientWithTimeout creates a runtime client against endpoint with
// a time limit applied to every call
func NewClientWithTimeout(endpoint string, timeout time.Duration) (*dockerapi.Client, error) {
	client, err := dockerapi.NewClient(endpoint)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	client.HTTPClient.Timeout = timeout
	return client, nil
}

// New returns a Runtime backed by go-dockerclient against endpoint
func New(endpoint string) (Runtime, error) {
	client, err := NewClientWithTimeout(endpoint, defaults.RuntimeCallTimeout)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &dockerRuntime{client: client}, nil
}
