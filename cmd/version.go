package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/credmux/credmux/pkg/version"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Detailed("credmuxd"))
		},
	})
}
