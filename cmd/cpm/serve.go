// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	cpmerrors "github.com/kraklabs/cpm/internal/errors"
	"github.com/kraklabs/cpm/pkg/pool"
)

// runServe implements 'cpm serve': starts the embedding pool HTTP server
// (spec.md §4.9) over the workspace's pool.yml and embeddings cache.
func runServe(args []string, globals GlobalFlags) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	port := fs.String("port", "8088", "Port to listen on")
	concurrency := fs.Int("concurrency", 4, "Global in-flight embedding request limit")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cpm serve [options]

Description:
  Start the embedding pool HTTP server: /health, /status, /metrics,
  /embed, /reload, and the /models/* admin endpoints (spec.md §4.9).

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ws := requireWorkspace(globals)
	poolPath := filepath.Join(ws.ConfigDir(), "pool.yml")

	manager, err := pool.NewManager(poolPath, ws.EmbeddingsCacheDB(), *concurrency)
	if err != nil {
		cpmerrors.FatalError(cpmerrors.NewRuntimeError("Cannot start embedding pool", err.Error(), "", err), globals.JSON)
	}
	if err := manager.Start(); err != nil {
		cpmerrors.FatalError(cpmerrors.NewRuntimeError("Cannot start embedding pool models", err.Error(), "", err), globals.JSON)
	}
	defer manager.Shutdown()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	srv := pool.NewServer(manager, logger)

	server := &http.Server{
		Addr:              ":" + *port,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("shutting down embedding pool server")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}()

	logger.Info("embedding pool server starting", "addr", "http://0.0.0.0:"+*port, "pool_file", poolPath)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		return 1
	}
	return 0
}
