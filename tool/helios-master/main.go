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

// Command helios-master runs a Master replica: the RPC front door plus
// the leader election that keeps exactly one replica accepting writes.
// It is a thin wiring layer; all behavior lives in lib/.
package main

import (
	"context"
	"flag"
	"io/ioutil"
	"net/http"
	"os"

	"github.com/vinnylapenna/helios/lib/defaults"
	"github.com/vinnylapenna/helios/lib/ops"
	"github.com/vinnylapenna/helios/lib/rpc"
	"github.com/vinnylapenna/helios/lib/storage/keyval"
	"github.com/vinnylapenna/helios/lib/utils"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// config is the YAML file shape for a Master replica, matching the
// teacher's convention of a flat struct decoded straight off disk
type config struct {
	EtcdNodes              []string `yaml:"etcd_nodes"`
	ListenAddr             string   `yaml:"listen_addr"`
	AdvertiseAddr          string   `yaml:"advertise_addr"`
	HistoryRetention       int      `yaml:"history_retention"`
	AllowUnregisteredHosts bool     `yaml:"allow_unregistered_hosts"`
	LogFile                string   `yaml:"log_file"`
}

func (c *config) checkAndSetDefaults() error {
	if len(c.EtcdNodes) == 0 {
		c.EtcdNodes = []string{defaults.EtcdLocalAddr}
	}
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.MasterHTTPAddr
	}
	if c.AdvertiseAddr == "" {
		c.AdvertiseAddr = c.ListenAddr
	}
	if c.LogFile == "" {
		c.LogFile = "/var/log/helios-master.log"
	}
	return nil
}

func main() {
	configPath := flag.String("config", "/etc/helios/master.yaml", "path to the master's YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.WithError(err).Error("Master exited with error.")
		os.Exit(defaults.FailedExitCode)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return trace.Wrap(err)
	}
	utils.InitLogging(log.InfoLevel, cfg.LogFile)
	logger := log.WithField(trace.Component, defaults.ComponentMaster)

	backend, err := keyval.NewEtcdBackend(keyval.EtcdConfig{Nodes: cfg.EtcdNodes})
	if err != nil {
		return trace.Wrap(err)
	}
	defer backend.Close()

	operator, err := ops.New(ops.Config{
		Backend:                backend,
		HistoryRetention:       cfg.HistoryRetention,
		AllowUnregisteredHosts: cfg.AllowUnregisteredHosts,
		Logger:                 logger,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	elector, err := ops.NewLeaderElector(keyval.EtcdConfig{Nodes: cfg.EtcdNodes}, cfg.AdvertiseAddr)
	if err != nil {
		return trace.Wrap(err)
	}
	defer elector.Close()

	ctx, cancel := context.WithCancel(context.Background())
	utils.WatchTerminationSignals(ctx, cancel, stopperFunc(func(context.Context) error {
		elector.StepDown()
		return nil
	}), logger)

	go func() {
		if err := elector.Run(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Warn("Leader election stopped.")
		}
	}()

	handler := rpc.NewHandler(ops.GateByLeadership(operator, elector))
	server := &http.Server{Addr: cfg.ListenAddr, Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.WithField("addr", cfg.ListenAddr).Info("Master listening.")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return trace.Wrap(err)
	}
	return nil
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
