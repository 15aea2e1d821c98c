package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/fentz26/vaultsync/internal/controlplane"
	"github.com/fentz26/vaultsync/internal/models"
	"github.com/fentz26/vaultsync/internal/store"
)

var resetCmd = &cobra.Command{
	Use:   "reset [source-id...]",
	Short: "Forget source watermarks so the next sync reads everything",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runReset,
}

var entriesCmd = &cobra.Command{
	Use:   "entries [source-id]",
	Short: "Print a source's stored entries as JSON lines",
	Args:  cobra.ExactArgs(1),
	RunE:  runEntries,
}

// localService is a control plane service without a scheduler.
func localService(st *store.Store) *controlplane.Service {
	sources := func() ([]models.Source, error) { return cfg.ListSources(), nil }
	return controlplane.NewService(st, nil, sources, slog.Default())
}

func runReset(cmd *cobra.Command, args []string) error {
	st, err := store.New(cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	service := localService(st)
	for _, id := range args {
		if err := service.ResetSource(context.Background(), id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reset %s\n", id)
	}
	return nil
}

func runEntries(cmd *cobra.Command, args []string) error {
	st, err := store.New(cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := localService(st).Entries(context.Background(), args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}
