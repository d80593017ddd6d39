// SPDX-FileCopyrightText: © 2024 The fluentpost authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package log provides the shared logging backend. Components obtain a
// per-module logger from a Backend so that one process-wide sink and level
// policy covers every client and server instance it hosts.
package log

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

const fmtStr = "%{time:15:04:05.000} %{level:.4s} %{module}: %{message}"

// Backend is a log backend shared by the loggers it hands out.
type Backend struct {
	sync.Mutex

	backend logging.LeveledBackend
	w       io.Writer
	level   logging.Level
}

// GetLogger returns a per-module logger attached to the backend.
func (b *Backend) GetLogger(module string) *logging.Logger {
	b.Lock()
	defer b.Unlock()

	l := logging.MustGetLogger(module)
	l.SetBackend(b.backend)
	return l
}

func logLevelFromString(levelStr string) (logging.Level, error) {
	switch strings.ToUpper(levelStr) {
	case "ERROR":
		return logging.ERROR, nil
	case "WARNING":
		return logging.WARNING, nil
	case "NOTICE":
		return logging.NOTICE, nil
	case "INFO":
		return logging.INFO, nil
	case "DEBUG":
		return logging.DEBUG, nil
	}
	return logging.ERROR, fmt.Errorf("log: invalid level: '%v'", levelStr)
}

func newBackend(w io.Writer, level logging.Level) logging.LeveledBackend {
	base := logging.NewLogBackend(w, "", 0)
	formatted := logging.NewBackendFormatter(base, logging.MustStringFormatter(fmtStr))
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(level, "")
	return leveled
}

// New initializes a logging backend. An empty file name logs to stderr,
// disable suppresses all output.
func New(f string, levelStr string, disable bool) (*Backend, error) {
	level, err := logLevelFromString(levelStr)
	if err != nil {
		return nil, err
	}

	b := &Backend{level: level}
	switch {
	case disable:
		b.w = ioutil.Discard
	case f == "":
		b.w = os.Stderr
	default:
		flags := os.O_CREATE | os.O_APPEND | os.O_WRONLY
		b.w, err = os.OpenFile(f, flags, 0600)
		if err != nil {
			return nil, err
		}
	}
	b.backend = newBackend(b.w, b.level)
	return b, nil
}

// NewWithWriter initializes a logging backend with an explicit writer,
// primarily for tests.
func NewWithWriter(w io.Writer, levelStr string) (*Backend, error) {
	level, err := logLevelFromString(levelStr)
	if err != nil {
		return nil, err
	}
	return &Backend{w: w, level: level, backend: newBackend(w, level)}, nil
}
