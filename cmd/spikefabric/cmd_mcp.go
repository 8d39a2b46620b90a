package main

import (
	"github.com/embeddedpenguins/spikefabric/internal/mcp"
	"github.com/spf13/cobra"
)

func newMCPServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp-server",
		Short: "Expose engine control as MCP tools over stdio",
		Long: `Run an MCP server on stdin/stdout with the tools engine_status,
engine_control, engine_deploy and partition_map. Every tool talks to the
engine's control service.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			addr, _ := cmd.Flags().GetString("addr")
			if addr == "" {
				addr = dialAddr(cfg.Services.Control)
			}
			auditDir, _ := cmd.Flags().GetString("audit-dir")
			if auditDir == "" {
				auditDir = cfg.Logging.EventDir
			}

			server, err := mcp.NewServer(&mcp.Config{
				Name:        "spikefabric",
				Version:     version,
				ControlAddr: addr,
				AuditDir:    auditDir,
			})
			if err != nil {
				return err
			}
			return server.Run(cmd.Context())
		},
	}

	cmd.Flags().String("addr", "", "Engine control address (default from config)")
	cmd.Flags().String("audit-dir", "", "Directory for audit.jsonl (default logging.event_dir)")

	return cmd
}
