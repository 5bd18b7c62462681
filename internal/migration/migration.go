package migration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"gorm.io/gorm"
)

//go:embed migrations
var embeddedMigrations embed.FS

const migrationsDir = "migrations"

// RunMigrations applies the embedded migrations for dialect. Postgres and
// MySQL go through golang-migrate; sqlite is a local development target and
// gets the idempotent schema applied directly.
func RunMigrations(ctx context.Context, conn *gorm.DB, dialect string) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}

	switch dialect {
	case "sqlite":
		return ApplySQLite(ctx, conn)
	case "postgres", "mysql":
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return runVersioned(sqlDB, dialect)
	default:
		return fmt.Errorf("unsupported migration dialect %q", dialect)
	}
}

func runVersioned(db *sql.DB, dialect string) error {
	sub, err := fs.Sub(embeddedMigrations, migrationsDir+"/"+dialect)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	var driver database.Driver
	switch dialect {
	case "postgres":
		driver, err = postgres.WithInstance(db, &postgres.Config{})
	case "mysql":
		driver, err = mysql.WithInstance(db, &mysql.Config{})
	}
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, dialect, driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// ApplySQLite executes the sqlite schema statements in file order.
func ApplySQLite(ctx context.Context, conn *gorm.DB) error {
	dir := migrationsDir + "/sqlite"
	entries, err := fs.ReadDir(embeddedMigrations, dir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		content, err := fs.ReadFile(embeddedMigrations, dir+"/"+name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		for _, stmt := range strings.Split(string(content), ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if err := conn.WithContext(ctx).Exec(stmt).Error; err != nil {
				return fmt.Errorf("apply %s: %w", name, err)
			}
		}
	}
	return nil
}
