package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"calendar-sync-server/services"
	"calendar-sync-server/storage"
	"calendar-sync-server/utils"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := storage.InitializeDB(cfg.DBConnectionString); err != nil {
				return err
			}
			log.Info("schema migrated")
			return nil
		},
	}
}

func dispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Recover stale leases and run one outbox dispatch pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			recovered, err := rt.dispatcher.RecoverStale(cmd.Context())
			if err != nil {
				return err
			}
			result, err := rt.dispatcher.DispatchOnce(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(map[string]interface{}{"recovered": recovered, "result": result})
		},
	}
}

func reconcileCmd() *cobra.Command {
	var (
		reportOnly bool
		all        bool
	)
	cmd := &cobra.Command{
		Use:   "reconcile [property-id]",
		Short: "Compare the local calendar against every healthy channel",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if all {
				runs, err := rt.reconciler.ReconcileAll(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSON(map[string]int{"runs": runs})
			}
			if len(args) != 1 {
				return errors.New("a property id or --all is required")
			}
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid property id %q", args[0])
			}
			run, err := rt.reconciler.TriggerRun(cmd.Context(), uint(id), !reportOnly)
			if err != nil {
				return err
			}
			return writeJSON(run)
		},
	}
	cmd.Flags().BoolVar(&reportOnly, "report-only", false, "Record findings without healing")
	cmd.Flags().BoolVar(&all, "all", false, "Reconcile every property with an active connection")
	return cmd
}

func retryFailedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-failed <event-id>...",
		Short: "Reset FAILED outbox events to PENDING",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := services.ParseIDs(args)
			if err != nil {
				return err
			}
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			results, err := rt.dispatcher.RetryFailed(cmd.Context(), ids)
			if err != nil {
				return err
			}
			return writeJSON(results)
		},
	}
}

func quoteCmd() *cobra.Command {
	var (
		guests  int
		channel string
	)
	cmd := &cobra.Command{
		Use:   "quote <property-id> <from> <to>",
		Short: "Price a stay from the stored rate rules",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid property id %q", args[0])
			}
			db, err := storage.InitializeDB(cfg.DBConnectionString)
			if err != nil {
				return err
			}
			inputs, err := services.NewRateRepository(db).Load(cmd.Context(), uint(id), time.Now().UTC().Format("2006-01-02"))
			if err != nil {
				return err
			}
			quote, err := services.BuildQuote(inputs, args[1], args[2], guests, channel)
			if err != nil {
				return err
			}
			return writeJSON(quote)
		},
	}
	cmd.Flags().IntVar(&guests, "guests", 1, "Number of guests")
	cmd.Flags().StringVar(&channel, "channel", "", "Apply this channel's price modifier")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		userID uint
		role   string
		org    uint
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign an access token for local use",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.AccessTokenSecret == "" {
				return errors.New("ACCESS_TOKEN_SECRET is required")
			}
			token, err := utils.CreateAccessToken(cfg.AccessTokenSecret, utils.AccessToken{ID: userID, Role: role, OrganizationID: org}, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().UintVar(&userID, "user", 1, "User id")
	cmd.Flags().StringVar(&role, "role", "admin", "Role claim (admin or user)")
	cmd.Flags().UintVar(&org, "org", 0, "Organization id")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
