// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli"

	"github.com/bitmark-inc/exitwithstatus"
	"github.com/bitmark-inc/logger"

	"github.com/bitmark-inc/objectdbd/background"
	"github.com/bitmark-inc/objectdbd/fault"
	"github.com/bitmark-inc/objectdbd/internal/acl"
	"github.com/bitmark-inc/objectdbd/internal/config"
	"github.com/bitmark-inc/objectdbd/internal/facade"
	"github.com/bitmark-inc/objectdbd/internal/filestore"
	"github.com/bitmark-inc/objectdbd/internal/metrics"
	"github.com/bitmark-inc/objectdbd/internal/objstore"
	"github.com/bitmark-inc/objectdbd/internal/pubsub"
	"github.com/bitmark-inc/objectdbd/internal/snapshot"
	"github.com/bitmark-inc/objectdbd/internal/transport"
	"github.com/bitmark-inc/objectdbd/version"
)

// set by the linker: go build -ldflags "-X main.buildVersion=M.N.P" ./...
// falls back to version.Version (the git tag major.minor) when unset.
var buildVersion = ""

func programVersion() string {
	if buildVersion != "" {
		return buildVersion
	}
	return version.Version
}

// lockWasCreated tracks whether the pidfile actually got written, so the
// exit handler does not remove a file left by another process.
var lockWasCreated = false

func main() {
	// ensure exit handler is first
	defer exitwithstatus.Handler()

	app := cli.NewApp()
	app.Name = "objectdbd"
	app.Usage = "in-memory object and file metadata daemon"
	app.Version = programVersion()
	app.HideVersion = true

	app.Writer = os.Stdout
	app.ErrWriter = os.Stderr

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config-file, c",
			Value: "",
			Usage: "*load configuration from `FILE`",
		},
		cli.BoolFlag{
			Name:  "quiet, q",
			Usage: " suppress startup banner",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:  "version",
			Usage: "display objectdbd version",
			Action: func(c *cli.Context) error {
				fmt.Fprintf(c.App.Writer, "%s\n", programVersion())
				return nil
			},
		},
	}
	app.Action = runDaemon

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(app.ErrWriter, "terminated with error: %s\n", err)
		os.Exit(1)
	}
}

func runDaemon(c *cli.Context) error {
	configFile := c.String("config-file")
	if configFile == "" {
		exitwithstatus.Message("objectdbd: --config-file is required")
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		exitwithstatus.Message("objectdbd: failed to read configuration from: %q  error: %s", configFile, err)
	}

	if err := logger.Initialise(cfg.Logging); err != nil {
		exitwithstatus.Message("objectdbd: logger setup failed with error: %s", err)
	}
	defer logger.Finalise()

	log := logger.New("main")
	defer log.Info("shutting down…")
	log.Info("starting…")
	log.Infof("version: %s", programVersion())
	log.Debugf("configuration: %#v", cfg)

	fault.Initialise()
	defer fault.Finalise()

	if cfg.PidFile != "" {
		lockFile, err := os.OpenFile(cfg.PidFile, os.O_WRONLY|os.O_EXCL|os.O_CREATE, os.ModeExclusive|0600)
		if err != nil {
			if os.IsExist(err) {
				exitwithstatus.Message("objectdbd: another instance is already running")
			}
			exitwithstatus.Message("objectdbd: PID file: %q creation failed, error: %s", cfg.PidFile, err)
		}
		fmt.Fprintf(lockFile, "%d\n", os.Getpid())
		lockFile.Close()
		lockWasCreated = true
		defer removePidFile(cfg.PidFile)
	}

	// ------------------
	// start of real main
	// ------------------

	lister := &lateBoundLister{}
	engine := acl.New(lister, logger.New("acl"))

	registry := pubsub.NewRegistry(nil)

	backupCfg := snapshot.BackupConfig{
		Disabled: cfg.Backup.Disabled,
		Files:    cfg.Backup.Files,
		Hours:    cfg.Backup.Hours,
		Period:   cfg.Backup.PeriodDuration(),
		Path:     cfg.Backup.Path,
	}

	persist := &deferredPersist{}
	objects := objstore.New(engine, registry, persist)
	lister.store = objects

	snapMgr := snapshot.New(cfg.Connection.DataDirectory, backupCfg, objects, logger.New("snapshot"))
	persist.manager = snapMgr

	log.Info("loading snapshot")
	snapMgr.LoadStartup()

	bootstrapDefaultACL(objects, engine, cfg.Namespace, cfg.DefaultNewACL)

	files := filestore.New(cfg.Connection.DataDirectory, engine, registry, objects, logger.New("filestore"), cfg.Connection.NoFileCache)
	if err := files.EnableWatch(); err != nil {
		log.Warnf("file watcher unavailable: %s", err)
	}
	defer files.Close()

	f := facade.New(objects, files, engine, registry, logger.New("facade"), cfg.Auth)

	retention := background.Start(background.Processes{snapMgr.RetentionSweep}, retentionSweepInterval)
	defer background.Stop(retention)

	var metricsServer *metrics.Server
	var metricsBackground *background.T
	if cfg.Metrics.Listen != "" {
		metricsRegistry := prometheus.NewRegistry()
		collector := metrics.NewCollector(metricsRegistry, f)
		metricsServer = metrics.NewServer(cfg.Metrics.Listen, metricsRegistry, logger.New("metrics"))
		metricsServer.Start()
		defer metricsServer.Stop()
		metricsBackground = background.Start(background.Processes{collector.Poll}, metricsPollInterval)
		defer background.Stop(metricsBackground)
	}

	server, err := transport.NewServer("objectdbd", transport.Config{
		Host:                cfg.Connection.Host,
		Port:                cfg.Connection.Port,
		Secure:              cfg.Connection.Secure,
		CertificateFileName: cfg.Connection.Certificate,
		KeyFileName:         cfg.Connection.PrivateKey,
		DefaultUser:         acl.AdminUser,
		Allow:               cfg.Connection.Allow,
	}, f, logger.New("transport"))
	if err != nil {
		log.Criticalf("listener setup failed: %s", err)
		exitwithstatus.Exit(transport.BindFailureExitCode)
	}
	server.Start()
	defer server.Stop()

	log.Infof("listening on %s:%d", cfg.Connection.Host, cfg.Connection.Port)

	if !c.Bool("quiet") {
		fmt.Printf("objectdbd running, waiting for CTRL-C (SIGINT) or 'kill <pid>' (SIGTERM)…\n")
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-ch
	log.Infof("received signal: %v", sig)

	log.Info("flushing snapshot and file sidecars")
	snapMgr.Flush()
	files.Destroy()

	return nil
}

const (
	retentionSweepInterval = 1 * time.Hour
	metricsPollInterval    = 15 * time.Second
)

func removePidFile(name string) {
	if !lockWasCreated {
		return
	}
	os.Remove(name)
}

// lateBoundLister breaks the construction cycle between acl.Engine (which
// needs an ObjectLister) and objstore.Store (which needs the *acl.Engine
// to enforce checks): the Engine is built first against an empty shell,
// then the shell's store field is filled in once the Store exists.
type lateBoundLister struct{ store *objstore.Store }

func (l *lateBoundLister) RangeIDs(prefix string) []string { return l.store.RangeIDs(prefix) }
func (l *lateBoundLister) Get(id string) objstore.Object   { return l.store.Get(id) }

// deferredPersist relays objstore.Store's persistence hooks to the
// snapshot.Manager, which is itself constructed after the Store (the
// manager needs the store as its Store interface). Filled in once,
// before any mutation reaches the store.
type deferredPersist struct{ manager *snapshot.Manager }

func (d *deferredPersist) ScheduleFlush()        { d.manager.ScheduleFlush() }
func (d *deferredPersist) DeleteSnapshot() error { return d.manager.DeleteSnapshot() }

// bootstrapDefaultACL seeds system.config on a fresh data directory (no
// prior snapshot) from the configuration file's default_new_acl, exactly
// the role configuration.namespace/defaultNewAcl play in spec.md §6.
func bootstrapDefaultACL(objects *objstore.Store, engine *acl.Engine, namespace string, defaultNewACL map[string]interface{}) {
	if objects.Get("system.config") != nil {
		return
	}
	if defaultNewACL == nil {
		return
	}
	admin := engine.ResolveSubject(acl.AdminUser)
	cfg := objstore.Object{
		"common": map[string]interface{}{
			"name":          namespace,
			"defaultNewAcl": defaultNewACL,
		},
	}
	_, _ = objects.SetObject(admin, "system.config", cfg, objstore.SetOptions{})
}
