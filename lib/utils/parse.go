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
	"strconv"
	"strings"

	"github.com/gravitational/trace"
)

// ParseAddrList parses a comma-separated list of addresses, e.g. the
// coordination store's configured Nodes list
func ParseAddrList(l string) ([]string, error) {
	if l == "" {
		return nil, trace.BadParameter("need at least one address")
	}
	out := strings.Split(l, ",")
	for i := range out {
		out[i] = strings.TrimSpace(out[i])
	}
	return out, nil
}

// SplitHostPort splits the provided address into host and port, applying
// defaultPort if the address does not specify one
func SplitHostPort(in, defaultPort string) (host string, port string) {
	var err error
	host, port, err = net.SplitHostPort(in)
	if err != nil {
		return in, defaultPort
	}
	return host, port
}

// EnsurePort appends defaultPort to address if it does not already specify one
func EnsurePort(address, defaultPort string) string {
	_, _, err := net.SplitHostPort(address)
	if err == nil {
		return address
	}
	return net.JoinHostPort(address, defaultPort)
}

// ParseHostPort parses a "host:port" string into its parts, requiring a
// numeric port
func ParseHostPort(in string) (host string, port int32, err error) {
	host, portS, err := net.SplitHostPort(in)
	if err != nil {
		return "", 0, trace.Wrap(err)
	}
	parsedPort, err := strconv.ParseInt(portS, 10, 32)
	if err != nil {
		return "", 0, trace.BadParameter("invalid port %q", portS)
	}
	return host, int32(parsedPort), nil
}

// ParsePorts parses a comma-separated list of integers, skipping empty
// items
func ParsePorts(ranges string) ([]int, error) {
	var result []int
	for _, r := range strings.Split(ranges, ",") {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		p, err := strconv.Atoi(r)
		if err != nil {
			return nil, trace.BadParameter("invalid port %q", r)
		}
		result = append(result, p)
	}
	return result, nil
}
