package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/embeddedpenguins/spikefabric/internal/backup"
	"github.com/spf13/cobra"
)

// backupDirs are the places archives may be written to or read from.
func backupDirs() ([]string, string, error) {
	def, err := backup.DefaultDir()
	if err != nil {
		return nil, "", err
	}
	dirs := []string{def}
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
	}
	return dirs, def, nil
}

func newTopologyBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive every stored model package",
		Long: `Write every model package and its deployment records to a compressed,
checksummed archive under ~/.spikefabric/backups (or --output, which must
be inside that directory or the working directory).

Examples:
  spikefabric topology backup
  spikefabric topology backup --keep 5 --max-age 30d`,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			dirs, defDir, err := backupDirs()
			if err != nil {
				return err
			}

			path, _ := cmd.Flags().GetString("output")
			if path == "" {
				path = backup.GeneratePath(defDir)
			}
			if err := backup.CheckPath(path, dirs); err != nil {
				return err
			}

			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			h, err := backup.Backup(cmd.Context(), s, path, cfg.Store.Backend.String())
			if err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			var policy backup.AnyPolicy
			if keep, _ := cmd.Flags().GetInt("keep"); keep > 0 {
				policy = append(policy, backup.CountPolicy{Max: keep})
			}
			if age, _ := cmd.Flags().GetString("max-age"); age != "" {
				d, err := backup.ParseAge(age)
				if err != nil {
					return err
				}
				policy = append(policy, backup.AgePolicy{MaxAge: d})
			}
			var pruned []string
			if len(policy) > 0 {
				if pruned, err = backup.Prune(defDir, policy); err != nil {
					return fmt.Errorf("pruning backups: %w", err)
				}
			}

			if jsonOut {
				json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
					"path":   path,
					"header": h,
					"pruned": pruned,
				})
			} else {
				fmt.Printf("Backed up %d models (%d neurons) to %s\n", h.ModelCount, h.NeuronCount, path)
				if len(pruned) > 0 {
					fmt.Printf("Pruned %d old backups\n", len(pruned))
				}
			}
			return nil
		},
	}

	cmd.Flags().String("output", "", "Archive path (default: timestamped file in ~/.spikefabric/backups)")
	cmd.Flags().Int("keep", 0, "Keep only the newest N archives in the backup directory")
	cmd.Flags().String("max-age", "", "Also keep archives younger than this (e.g. 72h, 30d, 2w)")
	return cmd
}

func newTopologyRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <archive>",
		Short: "Restore model packages from an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			modeStr, _ := cmd.Flags().GetString("mode")
			mode, err := backup.ParseRestoreMode(modeStr)
			if err != nil {
				return err
			}
			dirs, _, err := backupDirs()
			if err != nil {
				return err
			}
			if err := backup.CheckPath(args[0], dirs); err != nil {
				return err
			}

			if verify, _ := cmd.Flags().GetBool("verify"); verify {
				h, err := backup.Verify(args[0])
				if err != nil {
					return err
				}
				if jsonOut {
					json.NewEncoder(os.Stdout).Encode(h)
				} else {
					fmt.Printf("Archive OK: %d models, %d neurons, created %s\n",
						h.ModelCount, h.NeuronCount, h.CreatedAt.Format("2006-01-02 15:04:05"))
				}
				return nil
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			result, err := backup.Restore(cmd.Context(), s, args[0], mode)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			if jsonOut {
				json.NewEncoder(os.Stdout).Encode(result)
			} else {
				fmt.Printf("Restored %d models into %s store (%d skipped, %d removed)\n",
					len(result.Restored), cfg.Store.Backend, len(result.Skipped), len(result.Removed))
			}
			return nil
		},
	}

	cmd.Flags().String("mode", "merge", "merge keeps existing models, replace clears the store first")
	cmd.Flags().Bool("verify", false, "Only check the archive checksum")
	return cmd
}
