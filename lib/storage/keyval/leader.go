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

package keyval

import (
	"github.com/coreos/etcd/client"
	"github.com/gravitational/coordinate/leader"
	"github.com/gravitational/trace"
)

// NewLeaderClient returns a leader election client sharing the same
// etcd cluster as the coordination store, used by the Master to run
// an active/standby pair without a second consensus mechanism.
func NewLeaderClient(cfg EtcdConfig) (*leader.Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	clt, err := client.New(client.Config{Endpoints: cfg.Nodes})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	leaderClt, err := leader.NewClient(leader.Config{Client: clt, Clock: cfg.Clock})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return leaderClt, nil
}
