// Copyright 2026 The FNNClassifier Authors. SPDX-License-Identifier: Apache-2.0

// Package testbackend creates the GoMLX backend shared by tests. It defaults
// to the pure Go backend ("go"), so tests don't require an XLA installation;
// set GOMLX_BACKEND to override.
package testbackend

import (
	"sync"

	"github.com/gomlx/gomlx/backends"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

var (
	backend     backends.Backend
	backendOnce sync.Once
)

// New returns the backend for tests, creating it on first use. The same
// instance is shared by all tests of a process.
func New() backends.Backend {
	backendOnce.Do(func() {
		if backends.DefaultConfig == "" {
			backends.DefaultConfig = "go"
		}
		backend = backends.New()
	})
	return backend
}
