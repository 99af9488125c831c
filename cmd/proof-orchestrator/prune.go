package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"proof-orchestrator/internal/reqpool"
	"proof-orchestrator/internal/store"
)

func pruneCmd() *cobra.Command {
	var (
		olderThan time.Duration
		all       bool
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove task records last updated before --older-than",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan < 0 {
				return fmt.Errorf("--older-than must not be negative")
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()

			s, err := store.Open(ctx, cfg.Store)
			if err != nil {
				return err
			}
			defer s.Close()

			removed, err := reqpool.New(s, nil, logger).Prune(ctx, olderThan, !all)
			if err != nil {
				return err
			}
			fmt.Printf("✅ Removed %d task record(s) older than %s\n", removed, olderThan)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "retention threshold, e.g. 168h")
	cmd.Flags().BoolVar(&all, "all-statuses", false, "also remove non-terminal records")
	return cmd
}
