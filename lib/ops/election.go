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
	"sync/atomic"
	"time"

	"github.com/vinnylapenna/helios/lib/defaults"
	"github.com/vinnylapenna/helios/lib/storage/keyval"

	"github.com/gravitational/coordinate/leader"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// electionKey is the single key every Master replica votes for
const electionKey = "/helios/master/leader"

// electionTerm is how long a won election lasts before it must be renewed
const electionTerm = 10 * time.Second

// LeaderElector runs the Master's HA election: exactly one replica is
// the leader at a time, and only the leader accepts mutating RPCs.
// Followers answer with a Transient error naming the current leader.
type LeaderElector struct {
	client     *leader.Client
	advertise  string
	isLeader   int32
	leaderAddr atomic.Value
	logger     logrus.FieldLogger
}

// NewLeaderElector wires a LeaderElector on top of the same etcd
// cluster the coordination store uses, so the Master needs no second
// consensus mechanism for its own HA.
func NewLeaderElector(cfg keyval.EtcdConfig, advertise string) (*LeaderElector, error) {
	client, err := keyval.NewLeaderClient(cfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e := &LeaderElector{
		client:    client,
		advertise: advertise,
		logger:    logrus.WithField(trace.Component, defaults.ComponentMaster),
	}
	e.leaderAddr.Store("")
	return e, nil
}

// Run starts campaigning for leadership until ctx is cancelled
func (e *LeaderElector) Run(ctx context.Context) error {
	e.client.AddWatchCallback(electionKey, defaults.WatchReconnectInterval, func(key, prev, value string) {
		e.leaderAddr.Store(value)
		leading := value == e.advertise
		if leading {
			atomic.StoreInt32(&e.isLeader, 1)
		} else {
			atomic.StoreInt32(&e.isLeader, 0)
		}
		e.logger.WithField("leader", value).WithField("is_leader", leading).Info("Leadership state changed.")
	})
	return trace.Wrap(e.client.AddVoter(ctx, electionKey, e.advertise, electionTerm))
}

// IsLeader reports whether this replica currently holds leadership
func (e *LeaderElector) IsLeader() bool {
	return atomic.LoadInt32(&e.isLeader) == 1
}

// LeaderAddr returns the advertise address of the current leader, or
// "" if no leader has been observed yet
func (e *LeaderElector) LeaderAddr() string {
	return e.leaderAddr.Load().(string)
}

// StepDown gives up leadership, e.g. for a graceful shutdown
func (e *LeaderElector) StepDown() {
	e.client.StepDown()
}

// Close releases the election client
func (e *LeaderElector) Close() error {
	return trace.Wrap(e.client.Close())
}

// notLeaderError is returned by mutating RPCs on a follower replica
func notLeaderError(leaderAddr string) error {
	if leaderAddr == "" {
		return trace.ConnectionProblem(nil, "no leader elected yet")
	}
	return trace.ConnectionProblem(nil, "not the leader, current leader is %v", leaderAddr)
}

// IsNotLeader reports whether err is the "not the leader" error
func IsNotLeader(err error) bool {
	return trace.IsConnectionProblem(err)
}
