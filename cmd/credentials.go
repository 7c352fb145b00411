package cmd

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/credmux/credmux/pkg/config"
	"github.com/credmux/credmux/pkg/store"
)

var (
	credStorePath string

	credAddProvider     string
	credAddLabel        string
	credAddProjectID    string
	credAddClientID     string
	credAddClientSecret string
	credAddRefreshToken string
)

func init() {
	credCmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage the upstream credential store",
	}
	credCmd.PersistentFlags().StringVar(&credStorePath, "store", config.DefaultCredentialsPath(), "Credential store JSON path")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List pooled credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store.NewFileStore(credStorePath)
			if err != nil {
				return fmt.Errorf("open credential store: %w", err)
			}
			creds, err := s.List(cmd.Context(), "")
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROVIDER\tLABEL\tSTATUS\tCOOLDOWN UNTIL\tCLASS\tFAILURES")
			now := time.Now()
			for _, c := range creds {
				cooldown := ""
				if !c.CooldownUntil.IsZero() {
					cooldown = c.CooldownUntil.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%d\n",
					c.ID, c.Provider, c.Label, c.EffectiveStatus(now), cooldown, c.Classification, c.FailureCount)
			}
			return w.Flush()
		},
	}

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a credential to the pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			if credAddProvider != config.ProviderGeminiCLI && credAddProvider != config.ProviderAntigravity {
				return fmt.Errorf("provider must be %q or %q", config.ProviderGeminiCLI, config.ProviderAntigravity)
			}
			if credAddRefreshToken == "" {
				return fmt.Errorf("--refresh-token is required")
			}
			s, err := store.NewFileStore(credStorePath)
			if err != nil {
				return fmt.Errorf("open credential store: %w", err)
			}
			cred, err := s.Create(cmd.Context(), store.Credential{
				Provider:     credAddProvider,
				Label:        credAddLabel,
				ProjectID:    credAddProjectID,
				ClientID:     credAddClientID,
				ClientSecret: credAddClientSecret,
				RefreshToken: credAddRefreshToken,
				Status:       store.StatusActive,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added credential %d (%s)\n", cred.ID, cred.Provider)
			return nil
		},
	}
	addCmd.Flags().StringVar(&credAddProvider, "provider", "", "Upstream provider (gemini-cli or antigravity)")
	addCmd.Flags().StringVar(&credAddLabel, "label", "", "Human-readable label")
	addCmd.Flags().StringVar(&credAddProjectID, "project", "", "Upstream project id")
	addCmd.Flags().StringVar(&credAddClientID, "client-id", "", "OAuth client id override")
	addCmd.Flags().StringVar(&credAddClientSecret, "client-secret", "", "OAuth client secret override")
	addCmd.Flags().StringVar(&credAddRefreshToken, "refresh-token", "", "OAuth refresh token")

	reactivateCmd := &cobra.Command{
		Use:   "reactivate <id>",
		Short: "Return a dead or cooling credential to rotation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid credential id %q", args[0])
			}
			s, err := store.NewFileStore(credStorePath)
			if err != nil {
				return fmt.Errorf("open credential store: %w", err)
			}
			if _, err := s.Update(context.Background(), id, func(rec *store.Credential) error {
				rec.Status = store.StatusActive
				rec.CooldownUntil = time.Time{}
				rec.Consecutive429 = 0
				return nil
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "credential %d reactivated\n", id)
			return nil
		},
	}

	credCmd.AddCommand(listCmd, addCmd, reactivateCmd)
	rootCmd.AddCommand(credCmd)
}
