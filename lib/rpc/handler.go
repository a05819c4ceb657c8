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
	"strings"

	"github.com/vinnylapenna/helios/lib/defaults"
	"github.com/vinnylapenna/helios/lib/ops"
	"github.com/vinnylapenna/helios/lib/storage"
	"github.com/vinnylapenna/helios/lib/utils"
	"github.com/vinnylapenna/helios/lib/utils/fields"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
)

// Handler is the Master's HTTP entry point
type Handler struct {
	httprouter.Router
	operator ops.Operator
	logger   logrus.FieldLogger
}

// handlerFunc is an httprouter handler that returns an error, letting
// every route share one error-to-status translation
type handlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) error

// NewHandler returns a Handler serving operator's RPC surface
func NewHandler(operator ops.Operator) *Handler {
	h := &Handler{
		operator: operator,
		logger:   logrus.WithField(trace.Component, defaults.ComponentMaster),
	}
	h.POST("/v1/jobs", h.wrap(h.createJob))
	h.GET("/v1/jobs", h.wrap(h.listJobs))
	h.GET("/v1/jobs/:job_id", h.wrap(h.getJob))
	h.DELETE("/v1/jobs/:job_id", h.wrap(h.removeJob))
	h.GET("/v1/jobs/:job_id/history", h.wrap(h.jobHistory))
	h.GET("/v1/jobs/:job_id/hosts/:host/history", h.wrap(h.jobHistory))

	h.POST("/v1/deployments", h.wrap(h.deploy))
	h.PUT("/v1/hosts/:host/jobs/:job_id/goal", h.wrap(h.setGoal))
	h.DELETE("/v1/hosts/:host/jobs/:job_id", h.wrap(h.undeploy))

	h.GET("/v1/hosts", h.wrap(h.listHosts))
	h.GET("/v1/hosts/:host", h.wrap(h.hostStatus))
	return h
}

func (h *Handler) wrap(fn handlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		if err := fn(w, r, p); err != nil {
			h.logger.WithError(err).WithFields(fields.FromRequest(r)).Warn("Request failed.")
			writeError(w, err)
		}
	}
}

func jobIDFromParam(p httprouter.Params) (storage.JobId, error) {
	id, err := storage.ParseJobId(p.ByName("job_id"))
	return id, trace.Wrap(err)
}

func (h *Handler) createJob(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	var job storage.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		return trace.BadParameter("invalid request body: %v", err)
	}
	id, err := h.operator.CreateJob(r.Context(), &job)
	if err != nil {
		return trace.Wrap(err)
	}
	writeJSON(w, http.StatusOK, jobIDResponse{JobId: id})
	return nil
}

func (h *Handler) removeJob(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	id, err := jobIDFromParam(p)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := h.operator.RemoveJob(r.Context(), id); err != nil {
		return trace.Wrap(err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	return nil
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	id, err := jobIDFromParam(p)
	if err != nil {
		return trace.Wrap(err)
	}
	job, err := h.operator.GetJob(r.Context(), id)
	if err != nil {
		return trace.Wrap(err)
	}
	writeJSON(w, http.StatusOK, job)
	return nil
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	jobs, err := h.operator.ListJobs(r.Context())
	if err != nil {
		return trace.Wrap(err)
	}
	writeJSON(w, http.StatusOK, jobsResponse{Jobs: jobs})
	return nil
}

func (h *Handler) deploy(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	var deployment storage.Deployment
	if err := json.NewDecoder(r.Body).Decode(&deployment); err != nil {
		return trace.BadParameter("invalid request body: %v", err)
	}
	if err := h.operator.Deploy(r.Context(), deployment); err != nil {
		return trace.Wrap(err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	return nil
}

func (h *Handler) setGoal(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	id, err := jobIDFromParam(p)
	if err != nil {
		return trace.Wrap(err)
	}
	var req setGoalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return trace.BadParameter("invalid request body: %v", err)
	}
	if err := h.operator.SetGoal(r.Context(), id, p.ByName("host"), req.Goal); err != nil {
		return trace.Wrap(err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	return nil
}

func (h *Handler) undeploy(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	id, err := jobIDFromParam(p)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := h.operator.Undeploy(r.Context(), id, p.ByName("host")); err != nil {
		return trace.Wrap(err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	return nil
}

func (h *Handler) hostStatus(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	status, err := h.operator.HostStatus(r.Context(), p.ByName("host"))
	if err != nil {
		return trace.Wrap(err)
	}
	writeJSON(w, http.StatusOK, status)
	return nil
}

func (h *Handler) listHosts(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	hosts, err := h.operator.ListHosts(r.Context())
	if err != nil {
		return trace.Wrap(err)
	}
	wanted := labelsFromQuery(r)
	if len(wanted) > 0 {
		filtered := hosts[:0]
		for _, host := range hosts {
			if utils.MatchesLabels(host.Labels, wanted) {
				filtered = append(filtered, host)
			}
		}
		hosts = filtered
	}
	writeJSON(w, http.StatusOK, hostsResponse{Hosts: hosts})
	return nil
}

// labelsFromQuery parses repeated ?label=key=value query parameters
// into the map form MatchesLabels expects, per §3's host Labels field
// ("free-form map the operator can query hosts by").
func labelsFromQuery(r *http.Request) map[string]string {
	values := r.URL.Query()["label"]
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for _, v := range values {
		kv := strings.SplitN(v, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = kv[1]
	}
	return out
}

func (h *Handler) jobHistory(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	id, err := jobIDFromParam(p)
	if err != nil {
		return trace.Wrap(err)
	}
	events, err := h.operator.JobHistory(r.Context(), id, p.ByName("host"))
	if err != nil {
		return trace.Wrap(err)
	}
	writeJSON(w, http.StatusOK, historyResponse{Events: events})
	return nil
}
