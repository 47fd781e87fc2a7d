/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/friendsincode/bayline/internal/patterns"
)

var (
	importFile   string
	importDryRun bool
)

var importCmd = &cobra.Command{
	Use:   "import-branches",
	Short: "Import branches, bays and pattern rules from a YAML file",
	Long: `Upsert the branches, bays and recurring slot patterns described in a
YAML pattern file. Branches and bays are matched by code.

Examples:
  bayline import-branches --file deploy/patterns.yaml
  bayline import-branches --file deploy/patterns.yaml --dry-run`,
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().StringVar(&importFile, "file", "", "Path to the YAML pattern file (required)")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Parse and validate the file without writing")
	_ = importCmd.MarkFlagRequired("file")
}

func runImport(cmd *cobra.Command, args []string) error {
	if importDryRun {
		f, err := patterns.LoadFile(importFile)
		if err != nil {
			return err
		}
		rules := 0
		for _, b := range f.Branches {
			rules += len(b.Patterns)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d branches, %d rules (dry run)\n", importFile, len(f.Branches), rules)
		return nil
	}

	core, err := openCore()
	if err != nil {
		return err
	}
	defer core.Close()

	res, err := core.ImportPatterns(context.Background(), importFile)
	if err != nil {
		return fmt.Errorf("import %s: %w", importFile, err)
	}

	logger.Info().
		Str("file", importFile).
		Int("branches", res.Branches).
		Int("bays", res.Bays).
		Int("rules", res.Rules).
		Msg("import complete")
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d branches, %d bays, %d rules\n", res.Branches, res.Bays, res.Rules)
	return nil
}
