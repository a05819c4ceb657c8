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

// Command helios-agent runs an Agent: the per-host supervisor that
// reconciles this host's Deployments against the local container
// runtime. It is a thin wiring layer; all behavior lives in lib/.
package main

import (
	"context"
	"flag"
	"io/ioutil"
	"os"
	"time"

	"github.com/vinnylapenna/helios/lib/agent"
	"github.com/vinnylapenna/helios/lib/defaults"
	"github.com/vinnylapenna/helios/lib/runtime"
	"github.com/vinnylapenna/helios/lib/storage"
	"github.com/vinnylapenna/helios/lib/storage/keyval"
	"github.com/vinnylapenna/helios/lib/utils"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// agentVersion is set at build time via -ldflags "-X main.agentVersion=..."
var agentVersion = "dev"

// config is the YAML file shape for an Agent, matching the teacher's
// convention of a flat struct decoded straight off disk
type config struct {
	EtcdNodes      []string          `yaml:"etcd_nodes"`
	Host           string            `yaml:"host"`
	DockerEndpoint string            `yaml:"docker_endpoint"`
	Labels         map[string]string `yaml:"labels"`
	LogFile        string            `yaml:"log_file"`
}

func (c *config) checkAndSetDefaults() error {
	if c.Host == "" {
		host, err := os.Hostname()
		if err != nil {
			return trace.Wrap(err)
		}
		c.Host = host
	}
	if len(c.EtcdNodes) == 0 {
		c.EtcdNodes = []string{defaults.EtcdLocalAddr}
	}
	if c.LogFile == "" {
		c.LogFile = "/var/log/helios-agent.log"
	}
	if c.DockerEndpoint == "" {
		c.DockerEndpoint = "unix:///var/run/docker.sock"
	}
	return nil
}

func main() {
	configPath := flag.String("config", "/etc/helios/agent.yaml", "path to the agent's YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.WithError(err).Error("Agent exited with error.")
		os.Exit(defaults.FailedExitCode)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return trace.Wrap(err)
	}
	utils.InitLogging(log.InfoLevel, cfg.LogFile)
	logger := log.WithField(trace.Component, defaults.ComponentAgent)

	backend, err := keyval.NewEtcdBackend(keyval.EtcdConfig{Nodes: cfg.EtcdNodes})
	if err != nil {
		return trace.Wrap(err)
	}
	defer backend.Close()

	rt, err := runtime.New(cfg.DockerEndpoint)
	if err != nil {
		return trace.Wrap(err)
	}

	supervisor, err := agent.New(agent.Config{
		Host:    cfg.Host,
		Backend: backend,
		Runtime: rt,
		AgentInfo: storage.AgentInfo{
			Version:    agentVersion,
			StartedAt:  time.Now().UTC().Format(time.RFC3339),
			InstanceID: uuid.New().String(),
		},
		Labels: cfg.Labels,
		Logger: logger,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	utils.WatchTerminationSignals(ctx, cancel, stopperFunc(func(context.Context) error {
		return nil
	}), logger)

	logger.WithField("host", cfg.Host).Info("Agent starting.")
	return trace.Wrap(supervisor.Run(ctx))
}

func loadConfig(path string) (*config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var cfg config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}

type stopperFunc func(context.Context) error

func (f stopperFunc) Stop(ctx context.Context) error { return f(ctx) }
