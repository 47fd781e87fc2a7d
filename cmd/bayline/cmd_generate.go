/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/friendsincode/bayline/internal/slots"
)

var (
	generateBranch  string
	generateFrom    string
	generateTo      string
	generateBays    []string
	generateNoRules bool
	generateAll     bool
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate bay slots for a branch",
	Long: `Create the OPEN slots of a branch from its opening hours and apply its
stored pattern rules. Days that already have slots are left untouched.

Examples:
  # Generate one week for a branch
  bayline generate --branch 7f0c... --from 2026-03-09 --to 2026-03-15

  # Run the same pass the server schedules, for every active branch
  bayline generate --all`,
	RunE: runGenerate,
}

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().StringVar(&generateBranch, "branch", "", "Branch ID")
	generateCmd.Flags().StringVar(&generateFrom, "from", "", "First date (YYYY-MM-DD)")
	generateCmd.Flags().StringVar(&generateTo, "to", "", "Last date (YYYY-MM-DD), defaults to --from")
	generateCmd.Flags().StringSliceVar(&generateBays, "bay", nil, "Restrict to these bay IDs")
	generateCmd.Flags().BoolVar(&generateNoRules, "skip-rules", false, "Do not apply stored pattern rules")
	generateCmd.Flags().BoolVar(&generateAll, "all", false, "Generate the configured horizon for every active branch")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	if !generateAll && (generateBranch == "" || generateFrom == "") {
		return fmt.Errorf("--branch and --from are required unless --all is set")
	}

	core, err := openCore()
	if err != nil {
		return err
	}
	defer core.Close()

	ctx := context.Background()
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")

	if generateAll {
		report, err := core.Runner.RunOnce(ctx)
		if err != nil {
			return err
		}
		return enc.Encode(report)
	}

	to := generateTo
	if to == "" {
		to = generateFrom
	}

	result, err := core.Calendar.GenerateDailySchedule(ctx, slots.GenerateRequest{
		BranchID: generateBranch,
		From:     generateFrom,
		To:       to,
		BayIDs:   generateBays,
	})
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}

	if !generateNoRules {
		rules, err := core.Calendar.ApplyPatternRules(ctx, generateBranch, generateFrom, to)
		if err != nil {
			return fmt.Errorf("apply pattern rules: %w", err)
		}
		result.SlotsCreated += rules.SlotsCreated
		result.SlotsUpdated += rules.SlotsUpdated
	}

	logger.Info().
		Str("branch_id", generateBranch).
		Str("from", generateFrom).
		Str("to", to).
		Int("slots_created", result.SlotsCreated).
		Msg("generation complete")
	return enc.Encode(result)
}
