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
	"github.com/vinnylapenna/helios/lib/defaults"
	"github.com/vinnylapenna/helios/lib/storage/keyval"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Config configures a new Operator
type Config struct {
	// Backend is the coordination store client
	Backend keyval.Backend
	// Clock is injected for deterministic tests
	Clock clockwork.Clock
	// HistoryRetention is kept on the Operator's configuration only: the
	// Master does not prune history with it. Trails are pruned by each
	// Agent's task runners, bounded by agent.Config.HistoryRetention.
	HistoryRetention int
	// AllowUnregisteredHosts relaxes Deploy to accept a host that has
	// never published a HostStatus, rather than rejecting it with
	// HostNotRegistered
	AllowUnregisteredHosts bool
	// Logger is used for Master-level logging
	Logger logrus.FieldLogger
}

// CheckAndSetDefaults validates the config and fills in defaults
func (c *Config) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.HistoryRetention <= 0 {
		c.HistoryRetention = defaults.HistoryRetention
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField(trace.Component, defaults.ComponentMaster)
	}
	return nil
}
