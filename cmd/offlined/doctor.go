package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-offline/internal/config"
	"github.com/basket/go-offline/internal/doctor"
	otelpkg "github.com/basket/go-offline/internal/otel"
	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose the agent home, database, origin and relays",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, err := config.Load()
			if err != nil && !cfg.NeedsGenesis {
				// Keep going; the report says what is wrong.
				fmt.Fprintf(cmd.ErrOrStderr(), "Error loading config: %v\n", err)
			}

			diag := doctor.Run(cmd.Context(), &cfg, otelpkg.Version)

			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(diag); err != nil {
					return fmt.Errorf("encode report: %w", err)
				}
			} else {
				fmt.Fprintf(out, "offlined doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
				fmt.Fprintf(out, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
				fmt.Fprintln(out, "---")
				for _, res := range diag.Results {
					icon := "✅"
					switch res.Status {
					case "FAIL":
						icon = "❌"
					case "WARN":
						icon = "⚠️ "
					case "SKIP":
						icon = "⏩"
					}
					fmt.Fprintf(out, "%s %-13s: %s\n", icon, res.Name, res.Message)
					if res.Detail != "" {
						fmt.Fprintf(out, "    %s\n", res.Detail)
					}
				}
			}

			if !diag.Healthy() {
				return errors.New("doctor: one or more checks failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the report as JSON")
	return cmd
}
