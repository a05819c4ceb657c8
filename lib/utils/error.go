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

package utils

import (
	"net"
	"net/url"
	"strings"
	"syscall"

	etcd "github.com/coreos/etcd/client"
	"github.com/gravitational/trace"
)

// IsClusterUnavailableError determines if the specified error is a coordination
// store cluster unavailable error
func IsClusterUnavailableError(err error) bool {
	return isEtcdClusterErrorMessage(trace.UserMessage(err))
}

// IsTransientClusterError determines if the specified error corresponds to a
// transient error that can be retried: a connection failure or a coordination
// store cluster error (no leader, leader change mid-request, timeout).
func IsTransientClusterError(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case trace.IsConnectionProblem(err):
		return true
	case IsConnectionResetError(err):
		return true
	case IsConnectionRefusedError(err):
		return true
	case IsClusterUnavailableError(err) || isEtcdClusterError(err):
		return true
	default:
		return false
	}
}

func isEtcdClusterError(err error) bool {
	_, ok := trace.Unwrap(err).(*etcd.ClusterError)
	return ok
}

func isEtcdClusterErrorMessage(message string) bool {
	return isEtcdClusterMisconfigured(message) ||
		isEtcdClusterHasNoLeader(message) ||
		isEtcdClusterLeaderChanged(message) ||
		isEtcdClusterRequestTimedOut(message)
}

func isEtcdClusterMisconfigured(message string) bool {
	return strings.Contains(message, "etcd cluster is unavailable or misconfigured")
}

func isEtcdClusterHasNoLeader(message string) bool {
	return strings.Contains(message, "etcd member") &&
		strings.Contains(message, "has no leader")
}

func isEtcdClusterLeaderChanged(message string) bool {
	return strings.Contains(message, "etcdserver: leader changed")
}

func isEtcdClusterRequestTimedOut(message string) bool {
	return strings.Contains(message, "etcdserver: request timed out")
}

// IsConnectionResetError determines whether err is a
// 'connection reset by peer' error.
// err is expected to be non-nil
func IsConnectionResetError(err error) bool {
	return strings.Contains(trace.Unwrap(err).Error(),
		"connection reset by peer")
}

// IsConnectionRefusedError determines whether err is a
// 'connection refused' error.
// err is expected to be non-nil
func IsConnectionRefusedError(err error) bool {
	if urlError, ok := trace.Unwrap(err).(*url.Error); ok {
		if opError, ok := urlError.Err.(*net.OpError); ok {
			errno, ok := opError.Err.(syscall.Errno)
			return ok && errno == syscall.ECONNREFUSED
		}
	}
	return strings.Contains(trace.Unwrap(err).Error(),
		"connection refused")
}
