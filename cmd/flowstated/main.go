// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/flowstate/flowstate/internal/config"
	"github.com/flowstate/flowstate/internal/daemon"
	"github.com/flowstate/flowstate/internal/interp"
	"github.com/flowstate/flowstate/internal/interp/interptest"
	flog "github.com/flowstate/flowstate/internal/log"
)

// Version information, injected via ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to flowstate.yaml")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("flowstated %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	logger := flog.New(flog.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", flog.Error(err))
		os.Exit(1)
	}

	d, err := daemon.New(cfg, daemon.Options{
		Version: version,
		Adapter: demoAdapter(),
	})
	if err != nil {
		logger.Error("failed to assemble daemon", flog.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", flog.String("signal", sig.String()))
		cancel()
		if err := d.Shutdown(context.Background()); err != nil {
			logger.Error("error during shutdown", flog.Error(err))
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("daemon error", flog.Error(err))
			os.Exit(1)
		}
	}
}

// demoAdapter returns a small interptest.Adapter pre-loaded with one
// illustrative program, "echo", which completes with "ok". The sandboxed interpreter itself is explicitly out
// of scope for this repository (spec.md §1 treats it as an external
// collaborator reached only through interp.Adapter); embedders wire their
// own Adapter via daemon.Options.Adapter. This one exists so the standalone
// binary has something runnable out of the box.
func demoAdapter() interp.Adapter {
	a := interptest.New()
	a.Register("echo", interptest.Step(func(map[int]interp.CallResult) (interp.Outcome, error) {
		return interptest.Complete([]byte(`"ok"`)), nil
	}))
	return a
}
