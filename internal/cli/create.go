package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/xiaot623/livesession/internal/adapter/api"
	"github.com/xiaot623/livesession/internal/domain"
)

func newCreateCmd() *cobra.Command {
	var (
		server      string
		sessionID   string
		provider    string
		customer    string
		rate        string
		multiplier  string
		startPaused bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session record",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := domain.CreateSessionRequest{
				SessionID:    sessionID,
				ProviderName: provider,
				CustomerName: customer,
				StartPaused:  startPaused,
			}
			var err error
			if req.RatePerMinute, err = decimal.NewFromString(rate); err != nil {
				return fmt.Errorf("invalid --rate %q: %w", rate, err)
			}
			if multiplier != "" {
				if req.Multiplier, err = decimal.NewFromString(multiplier); err != nil {
					return fmt.Errorf("invalid --multiplier %q: %w", multiplier, err)
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			sess, err := api.NewClient(server, 30*time.Second).CreateSession(ctx, req)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(sess)
		},
	}

	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "session server base URL")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (generated when empty)")
	cmd.Flags().StringVar(&provider, "provider", "", "provider display name")
	cmd.Flags().StringVar(&customer, "customer", "", "customer display name")
	cmd.Flags().StringVar(&rate, "rate", "0", "rate per minute")
	cmd.Flags().StringVar(&multiplier, "multiplier", "", "rate multiplier (default 1)")
	cmd.Flags().BoolVar(&startPaused, "paused", false, "start with the billing clock paused")
	return cmd
}
