/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the Redis directory cache",
}

var cacheFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Drop every cached branch and bay list",
	Long: `Drop every bayline key from the Redis directory cache.

Use after editing branches or bays directly in the database. Does nothing
when Redis is not configured.`,
	RunE: runCacheFlush,
}

func init() {
	cacheCmd.AddCommand(cacheFlushCmd)
	rootCmd.AddCommand(cacheCmd)
}

func runCacheFlush(cmd *cobra.Command, args []string) error {
	core, err := openCore()
	if err != nil {
		return err
	}
	defer core.Close()

	if !core.Cache.IsAvailable() {
		fmt.Fprintln(cmd.OutOrStdout(), "cache disabled, nothing to flush")
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := core.Directory.FlushCache(ctx); err != nil {
		return fmt.Errorf("flush cache: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "cache flushed")
	return nil
}
