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
	"context"

	"github.com/vinnylapenna/helios/lib/storage"

	"github.com/gravitational/trace"
)

// GateByLeadership wraps operator so every mutating call fails with a
// Transient "not the leader" error on any replica that does not
// currently hold the election; reads are always served locally.
func GateByLeadership(operator Operator, elector *LeaderElector) Operator {
	return &leaderGatedOperator{Operator: operator, elector: elector}
}

type leaderGatedOperator struct {
	Operator
	elector *LeaderElector
}

func (g *leaderGatedOperator) requireLeader() error {
	if g.elector.IsLeader() {
		return nil
	}
	return notLeaderError(g.elector.LeaderAddr())
}

func (g *leaderGatedOperator) CreateJob(ctx context.Context, job *storage.Job) (storage.JobId, error) {
	if err := g.requireLeader(); err != nil {
		return storage.JobId{}, trace.Wrap(err)
	}
	return g.Operator.CreateJob(ctx, job)
}

func (g *leaderGatedOperator) RemoveJob(ctx context.Context, id storage.JobId) error {
	if err := g.requireLeader(); err != nil {
		return trace.Wrap(err)
	}
	return g.Operator.RemoveJob(ctx, id)
}

func (g *leaderGatedOperator) Deploy(ctx context.Context, deployment storage.Deployment) error {
	if err := g.requireLeader(); err != nil {
		return trace.Wrap(err)
	}
	return g.Operator.Deploy(ctx, deployment)
}

func (g *leaderGatedOperator) SetGoal(ctx context.Context, id storage.JobId, host string, goal storage.Goal) error {
	if err := g.requireLeader(); err != nil {
		return trace.Wrap(err)
	}
	return g.Operator.SetGoal(ctx, id, host, goal)
}

func (g *leaderGatedOperator) Undeploy(ctx context.Context, id storage.JobId, host string) error {
	if err := g.requireLeader(); err != nil {
		return trace.Wrap(err)
	}
	return g.Operator.Undeploy(ctx, id, host)
}
