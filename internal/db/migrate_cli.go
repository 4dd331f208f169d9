package db

import (
	"errors"
	"fmt"
	"io"
	"strconv"
)

// ErrUnknownMigrateAction is returned for an unrecognised migrate subcommand.
var ErrUnknownMigrateAction = errors.New("unknown migrate action")

// RunMigrateCommand handles the 'migrate' subcommand against the embedded
// migrations, writing human-readable progress to out.
func RunMigrateCommand(out io.Writer, database *DB, args []string) error {
	if len(args) < 1 {
		PrintMigrateHelp(out)
		return fmt.Errorf("%w: none given", ErrUnknownMigrateAction)
	}
	migrationsFS := MigrationsFS()

	switch action := args[0]; action {
	case "up":
		fmt.Fprintln(out, "Running migrations...")
		if err := database.MigrateUp(migrationsFS); err != nil {
			return err
		}
		fmt.Fprintln(out, "✓ All migrations applied successfully")
		return printVersion(out, database)

	case "down":
		fmt.Fprintln(out, "Rolling back one migration...")
		if err := database.MigrateDown(migrationsFS); err != nil {
			return err
		}
		fmt.Fprintln(out, "✓ Migration rolled back successfully")
		return printVersion(out, database)

	case "status":
		status, err := database.GetMigrationStatus(migrationsFS)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "=== Migration Status ===")
		fmt.Fprintf(out, "Current version: %d\n", status.CurrentVersion)
		fmt.Fprintf(out, "Latest available: %d\n", status.LatestVersion)
		fmt.Fprintf(out, "Dirty: %v\n", status.Dirty)
		fmt.Fprintf(out, "Schema migrations table exists: %v\n", status.SchemaMigrationsExists)
		switch {
		case status.Dirty:
			fmt.Fprintln(out, "⚠️  Database is in a dirty state. Inspect it, then run: depth-report migrate force <version>")
		case status.Pending() > 0:
			fmt.Fprintf(out, "⚠️  Database is %d version(s) behind. Run 'depth-report migrate up' to update.\n", status.Pending())
		default:
			fmt.Fprintln(out, "✓ Database is up to date!")
		}
		return nil

	case "version":
		if len(args) < 2 {
			return errors.New("usage: depth-report migrate version <version_number>")
		}
		target, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number %q: %w", args[1], err)
		}
		fmt.Fprintf(out, "Migrating to version %d...\n", target)
		if err := database.MigrateTo(migrationsFS, uint(target)); err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ Migrated to version %d successfully\n", target)
		return nil

	case "force":
		if len(args) < 2 {
			return errors.New("usage: depth-report migrate force <version_number>")
		}
		forced, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version number %q: %w", args[1], err)
		}
		if err := database.MigrateForce(migrationsFS, forced); err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ Migration version forced to %d\n", forced)
		return nil

	case "help":
		PrintMigrateHelp(out)
		return nil

	default:
		PrintMigrateHelp(out)
		return fmt.Errorf("%w: %s", ErrUnknownMigrateAction, action)
	}
}

func printVersion(out io.Writer, database *DB) error {
	version, dirty, err := database.MigrateVersion(MigrationsFS())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Current version: %d (dirty: %v)\n", version, dirty)
	return nil
}

// PrintMigrateHelp displays the help message for the migrate command.
func PrintMigrateHelp(out io.Writer) {
	fmt.Fprintln(out, "Database Migration Commands")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Usage: depth-report migrate <command> [options]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  up              Apply all pending migrations")
	fmt.Fprintln(out, "  down            Rollback one migration")
	fmt.Fprintln(out, "  status          Show current migration status and version")
	fmt.Fprintln(out, "  version <N>     Migrate to specific version N")
	fmt.Fprintln(out, "  force <N>       Force migration version to N (recovery only)")
	fmt.Fprintln(out, "  help            Show this help message")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Options:")
	fmt.Fprintln(out, "  --db-path <path>    Path to database file (default: depth.db)")
}
