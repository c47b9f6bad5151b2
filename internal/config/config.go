// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package config loads the daemon's Lua configuration file, exactly the
// mechanism of configuration/luareader.go: execute the file as a Lua
// script (so it can compute values, read environment variables, or
// branch on hostname) and map its returned table onto a Go struct with
// gluamapper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/yuin/gluamapper"
	lua "github.com/yuin/gopher-lua"

	"github.com/bitmark-inc/logger"

	"github.com/bitmark-inc/objectdbd/util"
)

// canonicalListenAddress validates host and port together via
// util.CanonicalIPandPort, the same host:port normalization the teacher
// uses for peer addresses, catching a malformed bind address at load
// time instead of at listen time.
func canonicalListenAddress(host string, port int) error {
	_, err := util.CanonicalIPandPort(host + ":" + strconv.Itoa(port))
	return err
}

const (
	defaultPort         = 9001
	defaultHost         = "0.0.0.0"
	defaultBackupFiles  = 7
	defaultBackupHours  = 168
	defaultBackupPeriod = 1 * time.Hour
	defaultLogDirectory = "log"
	defaultLogFile      = "objectdbd.log"
	defaultLogCount     = 10
	defaultLogSize      = 1048576
)

// Connection is the connection sub-section of the constructor config.
type Connection struct {
	DataDirectory string   `gluamapper:"data_directory" json:"data_directory"`
	NoFileCache   bool     `gluamapper:"no_file_cache" json:"no_file_cache"`
	Port          int      `gluamapper:"port" json:"port"`
	Host          string   `gluamapper:"host" json:"host"`
	Secure        bool     `gluamapper:"secure" json:"secure"`
	Certificate   string   `gluamapper:"certificate" json:"certificate"`
	PrivateKey    string   `gluamapper:"private_key" json:"private_key"`
	Allow         []string `gluamapper:"allow" json:"allow"`
}

// Backup is the backup sub-section of the constructor config.
type Backup struct {
	Disabled bool   `gluamapper:"disabled" json:"disabled"`
	Files    int    `gluamapper:"files" json:"files"`
	Hours    int    `gluamapper:"hours" json:"hours"`
	Period   string `gluamapper:"period" json:"period"`
	Path     string `gluamapper:"path" json:"path"`
}

// PeriodDuration parses Period ("1h", "30m", ...), falling back to
// defaultBackupPeriod when unset or malformed.
func (b Backup) PeriodDuration() time.Duration {
	if b.Period == "" {
		return defaultBackupPeriod
	}
	d, err := time.ParseDuration(b.Period)
	if err != nil {
		return defaultBackupPeriod
	}
	return d
}

// Metrics is the optional prometheus scrape endpoint; Listen is empty by
// default, which leaves the metrics HTTP server unstarted.
type Metrics struct {
	Listen string `gluamapper:"listen" json:"listen"`
}

// Configuration is the top level constructor argument of spec.md §6:
// { namespace, defaultNewAcl, connection, backup, logger, auth, change,
// connected }. change/connected name external hook points (an on-change
// callback, a connect callback) that belong to the transport adapter,
// not the core; Configuration has no field for either, so a change or
// connected key in the file is ignored. auth is wired: it is the shared password
// extendObject's nonEdit guard compares a caller-supplied password
// against (see internal/facade.Facade.nonEditChecker). Metrics and
// PidFile are ambient additions carried by every teacher-style daemon
// config, not part of the distilled constructor shape.
type Configuration struct {
	Namespace     string                 `gluamapper:"namespace" json:"namespace"`
	DefaultNewACL map[string]interface{} `gluamapper:"default_new_acl" json:"default_new_acl"`
	Connection    Connection             `gluamapper:"connection" json:"connection"`
	Backup        Backup                 `gluamapper:"backup" json:"backup"`
	Logging       logger.Configuration   `gluamapper:"logging" json:"logging"`
	Metrics       Metrics                `gluamapper:"metrics" json:"metrics"`
	Auth          string                 `gluamapper:"auth" json:"auth"`
	PidFile       string                 `gluamapper:"pidfile" json:"pidfile"`
}

// defaults returns the pre-parse configuration, mirroring
// command/recorderd/configuration.go's default-then-override pattern.
func defaults() *Configuration {
	return &Configuration{
		Namespace: "objectdb",
		Connection: Connection{
			Port: defaultPort,
			Host: defaultHost,
		},
		Backup: Backup{
			Files: defaultBackupFiles,
			Hours: defaultBackupHours,
		},
		Logging: logger.Configuration{
			Directory: defaultLogDirectory,
			File:      defaultLogFile,
			Size:      defaultLogSize,
			Count:     defaultLogCount,
			Levels:    map[string]string{logger.DefaultTag: "info"},
		},
	}
}

// Load runs fileName as a Lua script and maps its result onto a
// Configuration, then resolves every path relative to the configuration
// file's own directory and ensures the data and log directories exist.
func Load(fileName string) (*Configuration, error) {
	fileName, err := filepath.Abs(filepath.Clean(fileName))
	if err != nil {
		return nil, err
	}
	configDir := filepath.Dir(fileName)

	cfg := defaults()
	if err := parseLuaFile(fileName, cfg); err != nil {
		return nil, err
	}

	if cfg.Connection.DataDirectory == "" {
		cfg.Connection.DataDirectory = configDir
	}
	cfg.Connection.DataDirectory = util.EnsureAbsolute(configDir, cfg.Connection.DataDirectory)
	if err := os.MkdirAll(cfg.Connection.DataDirectory, 0700); err != nil {
		return nil, err
	}

	cfg.Logging.Directory = util.EnsureAbsolute(cfg.Connection.DataDirectory, cfg.Logging.Directory)
	if err := os.MkdirAll(cfg.Logging.Directory, 0700); err != nil {
		return nil, err
	}

	if cfg.PidFile != "" {
		cfg.PidFile = util.EnsureAbsolute(cfg.Connection.DataDirectory, cfg.PidFile)
	}

	if cfg.Backup.Path != "" {
		cfg.Backup.Path = util.EnsureAbsolute(cfg.Connection.DataDirectory, cfg.Backup.Path)
	}

	if err := canonicalListenAddress(cfg.Connection.Host, cfg.Connection.Port); err != nil {
		return nil, fmt.Errorf("connection: invalid host/port: %w", err)
	}
	if cfg.Connection.Secure && cfg.Connection.Certificate != "" {
		cfg.Connection.Certificate = util.EnsureAbsolute(cfg.Connection.DataDirectory, cfg.Connection.Certificate)
	}
	if cfg.Connection.Secure && cfg.Connection.PrivateKey != "" {
		cfg.Connection.PrivateKey = util.EnsureAbsolute(cfg.Connection.DataDirectory, cfg.Connection.PrivateKey)
	}

	return cfg, nil
}

func parseLuaFile(fileName string, config interface{}) error {
	L := lua.NewState()
	defer L.Close()

	L.OpenLibs()

	arg := &lua.LTable{}
	arg.Insert(0, lua.LString(fileName))
	L.SetGlobal("arg", arg)

	if err := L.DoFile(fileName); err != nil {
		return err
	}

	mapper := gluamapper.Mapper{Option: gluamapper.Option{
		NameFunc: func(s string) string { return s },
		TagName:  "gluamapper",
	}}
	return mapper.Map(L.Get(L.GetTop()).(*lua.LTable), config)
}
