package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/dittolease/internal/cli/output"
	"github.com/marmos91/dittolease/pkg/config"
	"github.com/marmos91/dittolease/pkg/durable"
	"github.com/marmos91/dittolease/pkg/oplock"
)

var durableOutput string

var durableCmd = &cobra.Command{
	Use:   "durable",
	Short: "Inspect persisted durable handles",
}

var durableListCmd = &cobra.Command{
	Use:   "list",
	Short: "List durable handles in the configured store",
	Long: `List the durable handles persisted in the store selected by durable.backend.

A memory backend is empty outside a running server.

Examples:
  dlease durable list
  dlease durable list --output json`,
	RunE: runDurableList,
}

func init() {
	durableListCmd.Flags().StringVarP(&durableOutput, "output", "o", "table", "Output format (table|json|yaml)")
	durableCmd.AddCommand(durableListCmd)
}

// HandleList renders durable handles as a table.
type HandleList []*durable.Handle

// Headers implements output.TableRenderer.
func (l HandleList) Headers() []string {
	return []string{"KEY", "CLIENT", "FILE", "KIND", "STATE", "CREATED"}
}

// Rows implements output.TableRenderer.
func (l HandleList) Rows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, h := range l {
		kind, state := "oplock", oplock.Level(h.OplockLevel).String()
		if h.IsLease {
			kind, state = "lease", oplock.LeaseState(h.LeaseState).String()
		}
		rows = append(rows, []string{
			h.Key().String(),
			durable.GUIDString(h.ClientGUID),
			h.FileKey,
			kind,
			state,
			h.CreatedAt.Local().Format(time.RFC3339),
		})
	}
	return rows
}

func runDurableList(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(durableOutput)
	if err != nil {
		return err
	}

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	store, err := config.CreateDurableStore(cfg.Durable)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	handles, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list durable handles: %w", err)
	}

	if len(handles) == 0 && format == output.FormatTable {
		_, _ = fmt.Fprintln(os.Stdout, "No durable handles")
		return nil
	}
	return output.NewPrinter(os.Stdout, format, false).Print(HandleList(handles))
}
