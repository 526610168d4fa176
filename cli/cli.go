// Package cli provides a command line interface for database
// migrations using the cobra CLI package.
package cli

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/starlarkstudios/ockam"
)

// NewMigratorFunc is called to construct a configured Migrator and the
// database pool it should run against.
type NewMigratorFunc func() (*migration.Migrator, *sql.DB, error)

// MigrateCommand returns a cobra command that can be integrated into
// a command line program.
//
// Pass context.Background() for the context, or alternatively pass a
// context that cancels when the user interrupts with Ctrl-C or
// similar.
func MigrateCommand(ctx context.Context, f NewMigratorFunc) *cobra.Command {
	cmd := &cobra.Command{
		Short: "database migrations",
		Use:   "migrate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	f2 := func() (*migration.Migrator, *sql.DB, error) {
		m, db, err := f()
		if err != nil {
			return nil, nil, err
		}
		if m.LogFunc == nil {
			m.LogFunc = func(args ...interface{}) { cmd.Println(args...) }
		}
		return m, db, nil
	}

	cmd.AddCommand(migrateUpCommand(ctx, f2))
	cmd.AddCommand(migrateUpToCommand(ctx, f2))
	cmd.AddCommand(statusCommand(ctx, f2))
	cmd.AddCommand(resetCommand(ctx, f2))
	return cmd
}

func resetCommand(ctx context.Context, f NewMigratorFunc) *cobra.Command {
	return &cobra.Command{
		Short:   "re-establish the bookkeeping tables and report status",
		Long:    "there are no down-migrations, so reset cannot mean rollback; it re-creates the bookkeeping tables if missing and reports where the database stands",
		Use:     "reset",
		PreRunE: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, db, err := f()
			if err != nil {
				return err
			}
			result, err := m.EnsureTables(ctx, db)
			if err != nil {
				return err
			}
			printStatus(cmd, result)
			return nil
		},
	}
}

func migrateUpCommand(ctx context.Context, f NewMigratorFunc) *cobra.Command {
	return &cobra.Command{
		Short:   "apply all pending migrations",
		Use:     "up",
		PreRunE: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, db, err := f()
			if err != nil {
				return err
			}
			result, err := m.Migrate(ctx, db)
			if err != nil {
				return err
			}
			printStatus(cmd, result)
			if result.Kind == migration.StatusFailed {
				return result.Reason
			}
			return nil
		},
	}
}

func migrateUpToCommand(ctx context.Context, f NewMigratorFunc) *cobra.Command {
	return &cobra.Command{
		Short:   "apply migrations up to and including a specific version",
		Use:     "up-to <version>",
		PreRunE: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseVersion(args[0])
			if err != nil {
				return err
			}
			m, db, err := f()
			if err != nil {
				return err
			}
			result, err := m.MigrateUpTo(ctx, db, v)
			if err != nil {
				return err
			}
			printStatus(cmd, result)
			if result.Kind == migration.StatusFailed {
				return result.Reason
			}
			return nil
		},
	}
}

func statusCommand(ctx context.Context, f NewMigratorFunc) *cobra.Command {
	return &cobra.Command{
		Short:   "show migration status without changing the database",
		Use:     "status",
		PreRunE: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, db, err := f()
			if err != nil {
				return err
			}
			result, err := m.Status(ctx, db)
			if err != nil {
				return err
			}
			w := tablewriter.NewWriter(cmd.OutOrStdout())
			w.SetHeader([]string{"status", "detail"})
			w.Append([]string{statusLabel(result.Kind), result.String()})
			w.Render()
			return nil
		},
	}
}

func printStatus(cmd *cobra.Command, result migration.MigrationStatus) {
	cmd.Println(statusLabel(result.Kind) + ": " + result.String())
}

func statusLabel(kind migration.StatusKind) string {
	switch kind {
	case migration.StatusUpToDate:
		return color.GreenString("UpToDate")
	case migration.StatusTodo:
		return color.YellowString("Todo")
	case migration.StatusFailed:
		return color.RedString("Failed")
	default:
		return kind.String()
	}
}

func parseVersion(s string) (migration.Version, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid migration version: %s", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("migration version cannot be negative: %d", n)
	}
	return migration.Version(n), nil
}
