package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/embeddedpenguins/spikefabric/internal/control"
	"github.com/embeddedpenguins/spikefabric/internal/wire"
	"github.com/spf13/cobra"
)

func newQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <tag>",
		Short: "Send a control query to an engine",
		Long: `Send one JSON control query to an engine's control service and print
the response.

Tags: fullstatus, dynamicstatus, runmeasurements, configurations,
settings, control, deploy.

Examples:
  spikefabric query fullstatus
  spikefabric query control --values '{"run":true}'
  spikefabric query settings --values '[["tickperiod", 5]]'
  spikefabric query deploy --values '{"model":"retina","deployment":"two-box","engine":"e1"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			addr, _ := cmd.Flags().GetString("addr")
			rawValues, _ := cmd.Flags().GetString("values")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			if addr == "" {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				addr = dialAddr(cfg.Services.Control)
			}

			var values any
			if rawValues != "" {
				if !json.Valid([]byte(rawValues)) {
					return fmt.Errorf("--values is not valid JSON: %s", rawValues)
				}
				values = json.RawMessage(rawValues)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			resp, err := control.Query(ctx, addr, args[0], values)
			if err != nil {
				return err
			}

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(resp)
			}
			printControlResponse(resp)
			if resp.Response["result"] != wire.ResultOK {
				return fmt.Errorf("%s failed: %v", args[0], resp.Response["error"])
			}
			return nil
		},
	}

	cmd.Flags().String("addr", "", "Engine control address (default from config)")
	cmd.Flags().String("values", "", "JSON values for settings, control and deploy")
	cmd.Flags().Duration("timeout", 30*time.Second, "Time to wait for the response")

	return cmd
}

func printControlResponse(resp *wire.ControlResponse) {
	data, err := json.MarshalIndent(resp.Response, "", "  ")
	if err != nil {
		fmt.Printf("%v\n", resp.Response)
		return
	}
	fmt.Printf("%s: %s\n", valueOrDefault(resp.Query, "(no query)"), data)
}

// valueOrDefault returns the value if non-empty, otherwise the default.
func valueOrDefault(value, defaultValue string) string {
	if value == "" {
		return defaultValue
	}
	return value
}
