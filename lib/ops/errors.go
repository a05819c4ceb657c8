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
	"strings"

	"github.com/gravitational/trace"
)

// hostNotRegisteredMarker and jobStillDeployedMarker distinguish these
// two domain errors from a generic NotFound/AlreadyExists without
// introducing new trace kinds: both are reported over the RPC
// transport as their underlying trace kind (404/409) and the operator
// tells them apart from the response body, not the status code.
const (
	hostNotRegisteredMarker = "host not registered"
	jobStillDeployedMarker  = "job still deployed"
	jobConfigMismatchMarker = "job exists with different configuration"
)

func hostNotRegistered(host string) error {
	return trace.NotFound("%v: %v", host, hostNotRegisteredMarker)
}

// IsHostNotRegistered reports whether err is the "host not registered" error
func IsHostNotRegistered(err error) bool {
	return err != nil && strings.Contains(err.Error(), hostNotRegisteredMarker)
}

func jobStillDeployed(id string) error {
	return trace.AlreadyExists("%v: %v", id, jobStillDeployedMarker)
}

// IsJobStillDeployed reports whether err is the "job still deployed" error
func IsJobStillDeployed(err error) bool {
	return err != nil && strings.Contains(err.Error(), jobStillDeployedMarker)
}

func jobConfigMismatch(id string) error {
	return trace.AlreadyExists("%v: %v", id, jobConfigMismatchMarker)
}

// IsJobConfigMismatch reports whether err is the "different config
// under the same name/version" error
func IsJobConfigMismatch(err error) bool {
	return err != nil && strings.Contains(err.Error(), jobConfigMismatchMarker)
}
