// Copyright 2024 AgentFS Authors
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

package commands

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"agentfs/internal/daemon"
	"agentfs/internal/fault"
	"agentfs/internal/protocol"
)

var faultCmd = &cobra.Command{
	Use:   "fault",
	Short: "Inject I/O errors for testing",
}

var faultSetCmd = &cobra.Command{
	Use:   "set <policy-file|->",
	Short: "Install a fault policy",
	Long: `Installs a fault policy read from a JSON file (comments allowed) or stdin.
Installing a policy resets rule counters.

Example policy:
  {
    "enabled": true,
    "rules": [
      // fail the third write with ENOSPC, once
      {"op": "write", "errno": "ENOSPC", "start_after": 2, "max_faults": 1}
    ]
  }`,
	Args: cobra.ExactArgs(1),
	RunE: runFaultSet,
}

var faultClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the fault policy",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(c *daemon.Client) error {
			if err := c.FaultClear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Fault policy cleared")
			return nil
		})
	},
}

var faultStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-rule fault counters",
	Args:  cobra.NoArgs,
	RunE:  runFaultStatus,
}

func init() {
	faultCmd.AddCommand(faultSetCmd, faultClearCmd, faultStatusCmd)
	rootCmd.AddCommand(faultCmd)
}

func runFaultSet(cmd *cobra.Command, args []string) error {
	var (
		data []byte
		err  error
	)
	if args[0] == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to read policy: %w", err)
	}
	policy, err := fault.ParsePolicy(data)
	if err != nil {
		return err
	}
	return withClient(cmd, func(c *daemon.Client) error {
		if err := c.FaultSet(protocol.FaultSet{Policy: policy}); err != nil {
			return err
		}
		state := "disabled"
		if policy.Enabled {
			state = "enabled"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Fault policy installed (%s, %d rules)\n", state, len(policy.Rules))
		return nil
	})
}

func runFaultStatus(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(c *daemon.Client) error {
		st, err := c.Status()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, st.Faults)
		}
		if len(st.Faults) == 0 {
			fmt.Fprintln(out, "No fault rules")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "OP\tERRNO\tSTART_AFTER\tMAX\tCALLS\tHITS")
		for _, s := range st.Faults {
			limit := "-"
			if s.Rule.MaxFaults != nil {
				limit = fmt.Sprint(*s.Rule.MaxFaults)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%d\n",
				s.Rule.Op, s.Rule.Errno, s.Rule.StartAfter, limit, s.Invocations, s.Hits)
		}
		return w.Flush()
	})
}
