package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "credmuxd",
	Short: "Pooled-credential LLM gateway",
	Long:  "Gateway multiplexing OpenAI, Gemini and Claude shaped chat requests across a pool of upstream OAuth credentials.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
}
