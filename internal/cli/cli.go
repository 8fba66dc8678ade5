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

// Package cli implements flowctl, a command-line client for a running
// flowstated daemon's embedding API.
package cli

import (
	"github.com/spf13/cobra"
)

var serverAddr string

// NewRootCommand builds the flowctl root command.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "flowctl",
		Short:         "flowctl controls a running flowstated daemon",
		Long:          "flowctl starts executions, polls their status, and completes calls against a running flowstated daemon's HTTP API.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&serverAddr, "server", "http://127.0.0.1:8080", "flowstated base URL")

	cmd.AddCommand(newStartCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newCallsCommand())
	cmd.AddCommand(newCompleteCommand())
	cmd.AddCommand(newResultCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}
