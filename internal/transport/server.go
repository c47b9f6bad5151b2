// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/bitmark-inc/certgen"
	"github.com/bitmark-inc/listener"
	"github.com/bitmark-inc/logger"

	"github.com/bitmark-inc/objectdbd/internal/facade"
)

// BindFailureExitCode is the process exit status cmd/objectdbd uses when
// NewServer fails, distinct from the generic startup failure code so an
// operator can tell "port unavailable" from any other bring-up error.
const BindFailureExitCode = 24

// Config is the listener-level configuration: host/port pair, TLS
// material, and the connection limit passed straight through to
// listener.NewLimiter.
type Config struct {
	Host                string
	Port                int
	Limit               int
	Secure              bool
	CertificateFileName string
	KeyFileName         string
	DefaultUser         string
	Allow               []string
}

// parseAllowList turns cfg.Connection.Allow's CIDR strings into IPNets,
// the access-control shape rpc/setup.go builds from its own "allow" map
// before comparing an incoming RemoteAddr against it.
func parseAllowList(cidrs []string) ([]*net.IPNet, error) {
	if len(cidrs) == 0 {
		return nil, nil
	}
	nets := make([]*net.IPNet, len(cidrs))
	for i, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(strings.TrimSpace(cidr))
		if err != nil {
			return nil, err
		}
		nets[i] = ipNet
	}
	return nets, nil
}

// Server wraps a bitmark-inc/listener.MultiListener bound to one façade.
type Server struct {
	name     string
	listener *listener.MultiListener
	argument *connectionArgument
}

func ensureFileExists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// makeSelfSignedCertificate generates a development certificate/key pair
// when none is configured, mirroring certificates.go's zero-config path.
func makeSelfSignedCertificate(name, certificateFileName, keyFileName string) error {
	org := "objectdbd self signed cert for: " + name
	validUntil := time.Now().Add(10 * 365 * 24 * time.Hour)
	cert, key, err := certgen.NewTLSCertPair(org, validUntil, false, nil)
	if err != nil {
		return err
	}
	if err := os.WriteFile(certificateFileName, cert, 0666); err != nil {
		return err
	}
	if err := os.WriteFile(keyFileName, key, 0600); err != nil {
		os.Remove(certificateFileName)
		return err
	}
	return nil
}

// NewServer validates cfg, generates a self-signed certificate for the
// zero-config development path when Secure is set but no certificate
// exists yet, and constructs the underlying multi-listener.
func NewServer(name string, cfg Config, f *facade.Facade, log *logger.L) (*Server, error) {
	address := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	var tlsConfig *tls.Config
	if cfg.Secure {
		if !ensureFileExists(cfg.CertificateFileName) || !ensureFileExists(cfg.KeyFileName) {
			log.Warnf("%s: generating self-signed certificate", name)
			if err := makeSelfSignedCertificate(name, cfg.CertificateFileName, cfg.KeyFileName); err != nil {
				return nil, err
			}
		}
		keyPair, err := tls.LoadX509KeyPair(cfg.CertificateFileName, cfg.KeyFileName)
		if err != nil {
			return nil, err
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{keyPair}}
	}

	limit := cfg.Limit
	if limit <= 0 {
		limit = 100
	}
	limiter := listener.NewLimiter(limit)

	allow, err := parseAllowList(cfg.Allow)
	if err != nil {
		return nil, err
	}

	argument := &connectionArgument{Log: log, Facade: f, User: cfg.DefaultUser, Allow: allow}

	ml, err := listener.NewMultiListener(name, []string{address}, tlsConfig, limiter, Callback)
	if err != nil {
		return nil, err
	}

	return &Server{name: name, listener: ml, argument: argument}, nil
}

// Start begins accepting connections.
func (s *Server) Start() {
	s.listener.Start(s.argument)
}

// Stop closes the listener and its accepted connections.
func (s *Server) Stop() {
	s.listener.Stop()
}
