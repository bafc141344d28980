package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/stanstork/ledgersync/internal/handlers"
	"github.com/stanstork/ledgersync/internal/repository"
)

func syncCmd() *cobra.Command {
	var (
		req      handlers.SyncRequest
		userID   string
		from     string
		entities []string
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Queue a historical sync without going through the API",
		Long: `Queue a historical sync for one Xero tenant.

--from accepts RFC3339, YYYY-MM-DD or natural language such as
"6 months ago" or "last january".

Example usage:
  server sync --user u-1 --tenant t-1 --entities contacts,invoices --from "1 year ago" \
    --access-token ... --refresh-token ...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if from != "" {
				syncFrom, err := parseFrom(from, time.Now())
				if err != nil {
					return err
				}
				req.SyncFrom = syncFrom.Format(time.RFC3339)
			}
			req.Entities = entities

			app, err := newApplication(false)
			if err != nil {
				return err
			}
			defer app.close()

			submitter := handlers.NewSyncHandler(
				repository.NewSyncLogRepository(app.db),
				repository.NewProgressRepository(app.db),
				app.queue(), app.sealer, app.notifications,
				handlers.SyncHandlerOptions{}, app.logger)
			resp, err := submitter.Submit(cmd.Context(), userID, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued sync %s (run %s)\n", resp.SyncID, resp.RunID)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&userID, "user", "", "user id that owns the sync")
	flags.StringVar(&req.TenantID, "tenant", "", "Xero tenant id")
	flags.StringVar(&req.SyncID, "sync-id", "", "sync id (generated when empty; reuse a failed one to resume it)")
	flags.StringSliceVar(&entities, "entities", nil, "entities to import (default all)")
	flags.StringVar(&from, "from", "", "only import records on or after this date")
	flags.StringToIntVar(&req.Limits, "limit", nil, "per-entity record caps, e.g. transactions=1000")
	flags.StringVar(&req.Token.AccessToken, "access-token", "", "Xero access token")
	flags.StringVar(&req.Token.RefreshToken, "refresh-token", "", "Xero refresh token")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

// parseFrom reads exact dates first and falls back to natural language
// relative to now.
func parseFrom(raw string, now time.Time) (time.Time, error) {
	if t, err := handlers.ParseSyncFrom(raw); err == nil && t != nil {
		return *t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	res, err := w.Parse(raw, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse --from %q: %w", raw, err)
	}
	if res == nil {
		return time.Time{}, fmt.Errorf("could not understand --from %q", strings.TrimSpace(raw))
	}
	t := res.Time.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}
