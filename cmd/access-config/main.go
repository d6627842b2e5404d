package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/access"
	"github.com/oarkflow/access/logger"
	"github.com/oarkflow/access/stores"
	"github.com/oarkflow/squealx"
)

var (
	dsn       string
	req       access.ExplainRequest
	verbose   bool
	logFormat string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "access-config",
		Short: "Validate, test and load access engine configuration",
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log engine activity")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Verbose log format: text or json")

	rootCmd.AddCommand(
		newValidateCommand(),
		newStatsCommand(),
		newCheckCommand(),
		newMigrateCommand(),
		newApplyCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func engineLogger() logger.Logger {
	if !verbose {
		return logger.NewNullLogger()
	}
	if logFormat == "json" {
		return logger.NewSLogLogger(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}
	return logger.NewPhusluLogger()
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a YAML or JSON configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := access.NewConfigLoader().LoadFile(args[0])
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}
}

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <file>",
		Short: "Show configuration statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := access.NewConfigLoader().LoadFile(args[0])
			if err != nil {
				return err
			}
			allow, deny := 0, 0
			for _, p := range cfg.Policies {
				if p.Effect == access.EffectDeny {
					deny++
				} else {
					allow++
				}
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Version:            %d\n", cfg.Version)
			fmt.Fprintf(out, "Users:              %d\n", len(cfg.Users))
			fmt.Fprintf(out, "Roles:              %d\n", len(cfg.Roles))
			fmt.Fprintf(out, "Permissions:        %d\n", len(cfg.Permissions))
			fmt.Fprintf(out, "Role permissions:   %d\n", len(cfg.RolePermissions))
			fmt.Fprintf(out, "Policies:           %d (allow %d, deny %d)\n", len(cfg.Policies), allow, deny)
			fmt.Fprintf(out, "Overrides:          %d\n", len(cfg.Overrides))
			fmt.Fprintf(out, "Restriction groups: %d\n", len(cfg.RestrictionGroups))
			fmt.Fprintf(out, "Row rules:          %d\n", len(cfg.RowRules))
			fmt.Fprintf(out, "Field rules:        %d\n", len(cfg.FieldRules))
			return nil
		},
	}
}

// newCheckCommand loads the file into a memory store and prints the traced
// decision for one request.
func newCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <file>",
		Short: "Explain an access decision against a configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := access.NewConfigLoader().LoadFile(args[0])
			if err != nil {
				return err
			}
			engine, err := newEngine(stores.NewMemoryStore(), cfg)
			if err != nil {
				return err
			}
			defer engine.Close()
			if err := engine.ApplyConfig(ctx, "access-config", cfg); err != nil {
				return err
			}
			d, err := engine.ExplainRequest(ctx, &req)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(d)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&req.UserID, "user", "u", "", "User id")
	f.StringVarP(&req.Action, "action", "a", "", "Action")
	f.StringVarP(&req.Resource, "resource", "r", "", "Resource as type or type:id")
	f.StringVar(&req.IP, "ip", "", "Client IP")
	f.StringVar(&req.Country, "country", "", "Client country code")
	f.StringVar(&req.City, "city", "", "Client city")
	f.StringVar(&req.DeviceID, "device", "", "Device id")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("action")
	_ = cmd.MarkFlagRequired("resource")
	return cmd
}

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the SQL schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, closeDB, err := openDB()
			if err != nil {
				return err
			}
			defer closeDB()
			if err := stores.Migrate(db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date")
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "access.db", "SQLite database path")
	return cmd
}

func newApplyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply <file>",
		Short: "Load a configuration into the SQL store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := access.NewConfigLoader().LoadFile(args[0])
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			db, closeDB, err := openDB()
			if err != nil {
				return err
			}
			defer closeDB()
			if err := stores.Migrate(db); err != nil {
				return err
			}
			store := stores.NewSQLStore(db)
			engine, err := newEngine(store, cfg, access.WithAuditStore(store))
			if err != nil {
				return err
			}
			defer engine.Close()
			if err := engine.ApplyConfig(ctx, "access-config", cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %s (directory version %d)\n", args[0], store.Version())
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "access.db", "SQLite database path")
	return cmd
}

func openDB() (*squealx.DB, func() error, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", dsn, err)
	}
	return squealx.NewDb(sqlDB, "sqlite", "access"), sqlDB.Close, nil
}

func newEngine(store access.Store, cfg *access.Config, extra ...access.EngineOption) (*access.Engine, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	opts = append(opts, access.WithLogger(engineLogger()), access.WithAuditBuffer(0))
	opts = append(opts, extra...)
	return access.NewEngine(store, opts...)
}
