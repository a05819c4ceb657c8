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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"time"

	"github.com/vinnylapenna/helios/lib/storage"

	"github.com/gravitational/trace"
)

// Client is a thin HTTP client for a Master's RPC surface, used by the
// Agent and by operator tooling (the CLI itself is out of scope).
type Client struct {
	addr       string
	httpClient *http.Client
}

// NewClient returns a Client talking to a Master at addr (e.g. "http://10.0.0.1:4884")
func NewClient(addr string, timeout time.Duration) *Client {
	return &Client{addr: addr, httpClient: &http.Client{Timeout: timeout}}
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return trace.Wrap(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.addr+path, reader)
	if err != nil {
		return trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return trace.ConnectionProblem(err, "request to %v failed", c.addr)
	}
	defer resp.Body.Close()
	respBody, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return trace.Wrap(err)
	}
	if resp.StatusCode >= 300 {
		return readError(resp.StatusCode, respBody)
	}
	if out == nil {
		return nil
	}
	return trace.Wrap(json.Unmarshal(respBody, out))
}

// CreateJob registers job and returns its id
func (c *Client) CreateJob(ctx context.Context, job *storage.Job) (storage.JobId, error) {
	var resp jobIDResponse
	err := c.do(ctx, http.MethodPost, "/v1/jobs", job, &resp)
	return resp.JobId, trace.Wrap(err)
}

// RemoveJob deletes the Job descriptor for id
func (c *Client) RemoveJob(ctx context.Context, id storage.JobId) error {
	return trace.Wrap(c.do(ctx, http.MethodDelete, "/v1/jobs/"+id.String(), nil, nil))
}

// GetJob returns the Job descriptor for id
func (c *Client) GetJob(ctx context.Context, id storage.JobId) (*storage.Job, error) {
	var job storage.Job
	err := c.do(ctx, http.MethodGet, "/v1/jobs/"+id.String(), nil, &job)
	return &job, trace.Wrap(err)
}

// ListJobs lists every registered Job descriptor
func (c *Client) ListJobs(ctx context.Context) ([]storage.Job, error) {
	var resp jobsResponse
	err := c.do(ctx, http.MethodGet, "/v1/jobs", nil, &resp)
	return resp.Jobs, trace.Wrap(err)
}

// Deploy creates a Deployment
func (c *Client) Deploy(ctx context.Context, deployment storage.Deployment) error {
	return trace.Wrap(c.do(ctx, http.MethodPost, "/v1/deployments", deployment, nil))
}

// SetGoal updates an existing Deployment's goal
func (c *Client) SetGoal(ctx context.Context, id storage.JobId, host string, goal storage.Goal) error {
	path := fmt.Sprintf("/v1/hosts/%v/jobs/%v/goal", host, id.String())
	return trace.Wrap(c.do(ctx, http.MethodPut, path, setGoalRequest{Goal: goal}, nil))
}

// Undeploy sets a Deployment's goal to UNDEPLOY
func (c *Client) Undeploy(ctx context.Context, id storage.JobId, host string) error {
	path := fmt.Sprintf("/v1/hosts/%v/jobs/%v", host, id.String())
	return trace.Wrap(c.do(ctx, http.MethodDelete, path, nil, nil))
}

// HostStatus returns the aggregated status of a single host
func (c *Client) HostStatus(ctx context.Context, host string) (*storage.HostStatus, error) {
	var status storage.HostStatus
	err := c.do(ctx, http.MethodGet, "/v1/hosts/"+host, nil, &status)
	return &status, trace.Wrap(err)
}

// ListHosts returns the aggregated status of every known host
func (c *Client) ListHosts(ctx context.Context) ([]storage.HostStatus, error) {
	var resp hostsResponse
	err := c.do(ctx, http.MethodGet, "/v1/hosts", nil, &resp)
	return resp.Hosts, trace.Wrap(err)
}

// ListHostsByLabels returns only the hosts whose Labels match every
// entry in labels, filtered server-side
func (c *Client) ListHostsByLabels(ctx context.Context, labels map[string]string) ([]storage.HostStatus, error) {
	q := url.Values{}
	for k, v := range labels {
		q.Add("label", k+"="+v)
	}
	var resp hostsResponse
	err := c.do(ctx, http.MethodGet, "/v1/hosts?"+q.Encode(), nil, &resp)
	return resp.Hosts, trace.Wrap(err)
}

// JobHistory returns id's TaskStatusEvent trail. With host == "" it
// aggregates every host's trail, sorted by timestamp; a non-empty host
// narrows to that host's trail alone.
func (c *Client) JobHistory(ctx context.Context, id storage.JobId, host string) ([]storage.TaskStatusEvent, error) {
	path := fmt.Sprintf("/v1/jobs/%v/history", id.String())
	if host != "" {
		path = fmt.Sprintf("/v1/jobs/%v/hosts/%v/history", id.String(), host)
	}
	var resp historyResponse
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp.Events, trace.Wrap(err)
}
