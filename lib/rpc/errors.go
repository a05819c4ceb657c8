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

package rpc

import (
	"encoding/json"
	"net/http"

	"github.com/gravitational/trace"
)

// errorResponse is the body written alongside a non-2xx status
type errorResponse struct {
	Error string `json:"error"`
}

// statusCode maps a trace-classified error to its HTTP status, the
// same NotFound/409/400/503 mapping a trace/trail-based handler would
// apply; kept as a direct predicate switch here since the trail
// package's exact surface wasn't available to ground against.
func statusCode(err error) int {
	switch {
	case trace.IsNotFound(err):
		return http.StatusNotFound
	case trace.IsAlreadyExists(err):
		return http.StatusConflict
	case trace.IsCompareFailed(err):
		return http.StatusConflict
	case trace.IsBadParameter(err):
		return http.StatusBadRequest
	case trace.IsConnectionProblem(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusCode(err), errorResponse{Error: trace.UserMessage(err)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// readError reconstructs a trace-classified error from a response the
// handler's writeError produced, so the client's Is* predicates keep
// working across the wire
func readError(status int, body []byte) error {
	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Error == "" {
		return trace.Errorf("request failed with status %v", status)
	}
	switch status {
	case http.StatusNotFound:
		return trace.NotFound(resp.Error)
	case http.StatusConflict:
		return trace.AlreadyExists(resp.Error)
	case http.StatusBadRequest:
		return trace.BadParameter(resp.Error)
	case http.StatusServiceUnavailable:
		return trace.ConnectionProblem(nil, resp.Error)
	default:
		return trace.Errorf(resp.Error)
	}
}
