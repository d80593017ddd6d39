// SPDX-FileCopyrightText: © 2024 The fluentpost authors
// SPDX-License-Identifier: AGPL-3.0-only

// fluentpostd is a standalone forward protocol collector daemon. It accepts
// producer connections, logs every received entry, and optionally exposes
// Prometheus metrics.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fluentpost/fluentpost/core/log"
	"github.com/fluentpost/fluentpost/core/wire"
	"github.com/fluentpost/fluentpost/server"
	"github.com/fluentpost/fluentpost/server/config"
)

func main() {
	cfgFile := flag.String("f", "fluentpostd.toml", "Path to the config file.")
	version := flag.Bool("version", false, "Print the version and exit.")
	flag.Parse()

	if *version {
		fmt.Printf("fluentpostd %s\n", versioninfo.Short())
		return
	}

	cfg, err := config.LoadFile(*cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	backend, err := log.New(cfg.Server.LogFile, cfg.Server.LogLevel, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	l := backend.GetLogger("fluentpostd")
	l.Noticef("fluentpostd %s starting.", versioninfo.Short())

	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.Server.MetricsAddress, mux); err != nil {
				l.Errorf("Metrics listener failed: %v", err)
			}
		}()
	}

	var sec *server.Security
	if cfg.Security != nil {
		sec = &server.Security{
			ServerHostname: cfg.Security.ServerHostname,
			SharedKey:      cfg.Security.SharedKey,
			UserDict:       cfg.Security.Users,
		}
	}
	entryLog := backend.GetLogger("entries")
	srv, err := server.New(&server.Config{
		Address:          cfg.Server.Address,
		Security:         sec,
		DisableKeepalive: cfg.Server.DisableKeepalive,
		OnEntries: func(tag string, entries []wire.Entry) error {
			for _, e := range entries {
				entryLog.Infof("%v %s: %v", e.Time.Time().Format("2006-01-02T15:04:05.000Z07:00"), tag, e.Record)
			}
			return nil
		},
		LogBackend: backend,
	})
	if err != nil {
		l.Errorf("Failed to initialize server: %v", err)
		os.Exit(1)
	}
	if err = srv.Start(); err != nil {
		l.Errorf("Failed to start server: %v", err)
		os.Exit(1)
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
	l.Noticef("Shutting down.")
	srv.Halt()
}
