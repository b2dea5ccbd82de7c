package main

import (
	"github.com/spf13/cobra"

	"github.com/fentz26/warden/internal/tui"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch the interactive task monitor",
	RunE: func(cmd *cobra.Command, args []string) error {
		return tui.NewApp(apiAddr).Run()
	},
}
