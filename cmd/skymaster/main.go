// Copyright (c) 2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/uber-go/atomic"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/uber/skymaster/pkg/allocator/roundrobin"
	authimpl "github.com/uber/skymaster/pkg/auth/impl"
	"github.com/uber/skymaster/pkg/common"
	"github.com/uber/skymaster/pkg/common/background"
	"github.com/uber/skymaster/pkg/common/config"
	"github.com/uber/skymaster/pkg/common/leader"
	"github.com/uber/skymaster/pkg/common/logging"
	"github.com/uber/skymaster/pkg/common/metrics"
	"github.com/uber/skymaster/pkg/master"
	"github.com/uber/skymaster/pkg/master/registry"
	"github.com/uber/skymaster/pkg/master/registry/boltstore"
)

var (
	version string
	app     = kingpin.New("skymaster", "Skymaster cluster master")

	debug = app.Flag(
		"debug", "enable debug mode (print full json responses)").
		Short('d').
		Default("false").
		Envar("ENABLE_DEBUG_LOGGING").
		Bool()

	configFiles = app.Flag(
		"config",
		"YAML config files (can be provided multiple times to merge configs)").
		Short('c').
		Required().
		ExistingFiles()

	electionZkServers = app.Flag(
		"election-zk-server",
		"Election Zookeeper servers. Specify multiple times for multiple servers "+
			"(election.zk_servers override) (set $ELECTION_ZK_SERVERS to override)").
		Envar("ELECTION_ZK_SERVERS").
		Strings()

	httpPort = app.Flag(
		"http-port", "Master HTTP port (http_port override) "+
			"(set $HTTP_PORT to override)").
		Envar("HTTP_PORT").
		Int()

	registryPath = app.Flag(
		"registry-path", "Agent registry database file (registry.path override) "+
			"(set $REGISTRY_PATH to override)").
		Envar("REGISTRY_PATH").
		String()
)

func main() {
	app.Version(version)
	app.HelpFlag.Short('h')
	kingpin.MustParse(app.Parse(os.Args[1:]))

	log.SetFormatter(&log.JSONFormatter{})
	initialLevel := log.InfoLevel
	if *debug {
		initialLevel = log.DebugLevel
	}
	log.SetLevel(initialLevel)

	log.WithField("files", *configFiles).Info("Loading master config")
	var cfg Config
	if err := config.Parse(&cfg, *configFiles...); err != nil {
		log.WithField("error", err).Fatal("Cannot parse yaml config")
	}

	// now, override any CLI flags in the loaded config
	if len(*electionZkServers) > 0 {
		cfg.Election.ZKServers = *electionZkServers
	}
	if *httpPort != 0 {
		cfg.HTTPPort = *httpPort
	}
	if *registryPath != "" {
		cfg.Registry.Path = *registryPath
	}
	if cfg.AllocationInterval <= 0 {
		cfg.AllocationInterval = 5 * time.Second
	}
	if cfg.UnreachableGCInterval <= 0 {
		cfg.UnreachableGCInterval = common.DefaultUnreachableGCInterval
	}

	rootScope, scopeCloser, mux := metrics.InitMetricScope(
		&cfg.Metrics,
		common.MasterRole,
		metrics.TallyFlushInterval,
	)
	defer scopeCloser.Close()
	rootScope.Counter("boot").Inc(1)

	stopRuntimeMetrics := metrics.StartCollectingRuntimeMetrics(
		rootScope.SubScope("runtime"),
		cfg.RuntimeMetrics,
		10*time.Second,
	)
	defer stopRuntimeMetrics()

	store, err := boltstore.New(cfg.Registry.Path)
	if err != nil {
		log.WithError(err).WithField("path", cfg.Registry.Path).
			Fatal("Cannot open agent registry")
	}
	defer store.Close()

	authorizer, err := authimpl.CreateAuthorizer(&cfg.Auth)
	if err != nil {
		log.WithError(err).Fatal("Cannot create authorizer")
	}

	registrar := registry.NewRegistrar(store, rootScope)
	alloc := roundrobin.New()
	m := master.New(
		cfg.Master,
		rootScope,
		registrar,
		alloc,
		authorizer,
	)
	m.Start()

	backMgr := background.NewManager()
	err = backMgr.RegisterWorks(
		background.Work{
			Name:   "allocate",
			Func:   func(_ *atomic.Bool) { alloc.Allocate() },
			Period: cfg.AllocationInterval,
		},
		background.Work{
			Name:         "unreachable_gc",
			Func:         func(_ *atomic.Bool) { m.PruneUnreachable() },
			Period:       cfg.UnreachableGCInterval,
			InitialDelay: cfg.UnreachableGCInterval,
		},
	)
	if err != nil {
		log.WithError(err).Fatal("Cannot register background works")
	}

	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Cannot resolve hostname")
	}
	srv := newServer(hostname, cfg.HTTPPort, m, backMgr)
	candidate, err := leader.NewCandidate(
		cfg.Election,
		rootScope,
		common.MasterRole,
		srv,
	)
	if err != nil {
		log.WithError(err).Fatal("Cannot create leader candidate")
	}
	if err := candidate.Start(); err != nil {
		log.WithError(err).Fatal("Cannot start leader election")
	}

	mux.HandleFunc(
		logging.LevelOverwrite,
		logging.LevelOverwriteHandler(initialLevel),
	)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		log.WithField("addr", addr).Info("Serving metrics and health endpoints")
		if err := nethttp.ListenAndServe(addr, mux); err != nil {
			log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	log.WithFields(log.Fields{
		"id":      srv.GetID(),
		"version": version,
	}).Info("Started master")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.WithField("signal", sig.String()).Info("Shutting down")

	if err := candidate.Stop(); err != nil {
		log.WithError(err).Warn("Error quitting election")
	}
	backMgr.Stop()
	m.Stop()
}
