/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Mark ended OPEN and CLOSED slots as EXPIRED",
	RunE:  runExpire,
}

func init() {
	rootCmd.AddCommand(expireCmd)
}

func runExpire(cmd *cobra.Command, args []string) error {
	core, err := openCore()
	if err != nil {
		return err
	}
	defer core.Close()

	n, err := core.Calendar.ExpireSlots(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "expired %d slots\n", n)
	return nil
}
