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

package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type startRequest struct {
	Code             string          `json:"code"`
	AllowedFunctions []string        `json:"allowed_functions,omitempty"`
	Inputs           json.RawMessage `json:"inputs,omitempty"`
}

func newStartCommand() *cobra.Command {
	var (
		codePath string
		inputs   string
		allowed  []string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a new execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			codeBytes, err := os.ReadFile(codePath)
			if err != nil {
				return fmt.Errorf("read code file: %w", err)
			}

			req := startRequest{Code: string(codeBytes), AllowedFunctions: allowed}
			if inputs != "" {
				req.Inputs = json.RawMessage(inputs)
			}

			var resp map[string]string
			client := newAPIClient(serverAddr)
			if err := client.do(cmd.Context(), "POST", "/executions", req, &resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp["execution_id"])
			return nil
		},
	}

	cmd.Flags().StringVar(&codePath, "code", "", "Path to the workflow source file (required)")
	cmd.Flags().StringVar(&inputs, "inputs", "", "JSON-encoded execution inputs")
	cmd.Flags().StringSliceVar(&allowed, "allow", nil, "Allowed function names")
	cmd.MarkFlagRequired("code")

	return cmd
}

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <execution_id>",
		Short: "Poll an execution's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp json.RawMessage
			client := newAPIClient(serverAddr)
			if err := client.do(cmd.Context(), "GET", "/executions/"+args[0], nil, &resp); err != nil {
				return err
			}
			return printIndented(cmd, resp)
		},
	}
	return cmd
}

func newCallsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calls <execution_id>",
		Short: "List an execution's pending calls",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp json.RawMessage
			client := newAPIClient(serverAddr)
			if err := client.do(cmd.Context(), "GET", "/executions/"+args[0]+"/calls", nil, &resp); err != nil {
				return err
			}
			return printIndented(cmd, resp)
		},
	}
	return cmd
}

type completeRequest struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func newCompleteCommand() *cobra.Command {
	var (
		result string
		errMsg string
	)

	cmd := &cobra.Command{
		Use:   "complete <execution_id> <call_id>",
		Short: "Complete a pending call",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := completeRequest{Error: errMsg}
			if result != "" {
				req.Result = json.RawMessage(result)
			}

			path := fmt.Sprintf("/executions/%s/calls/%s/complete", args[0], args[1])
			client := newAPIClient(serverAddr)
			return client.do(cmd.Context(), "POST", path, req, nil)
		},
	}

	cmd.Flags().StringVar(&result, "result", "", "JSON-encoded call result")
	cmd.Flags().StringVar(&errMsg, "error", "", "Failure message, if the call failed")

	return cmd
}

func newResultCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "result <execution_id>",
		Short: "Fetch a completed execution's output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp json.RawMessage
			client := newAPIClient(serverAddr)
			if err := client.do(cmd.Context(), "GET", "/executions/"+args[0]+"/result", nil, &resp); err != nil {
				return err
			}
			return printIndented(cmd, resp)
		},
	}
	return cmd
}

func printIndented(cmd *cobra.Command, raw json.RawMessage) error {
	var buf []byte
	buf, err := json.MarshalIndent(json.RawMessage(raw), "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(buf))
	return nil
}
