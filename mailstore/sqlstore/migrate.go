package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/migadu/postern/logger"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies all pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	m, closeFn, err := s.migrator(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	logger.Info("STORE: schema is up to date", "driver", s.driver, "version", version, "dirty", dirty)
	return nil
}

// migrator builds a migrate instance over a dedicated connection so that
// closing it never touches the store's pool.
func (s *Store) migrator(ctx context.Context) (*migrate.Migrate, func(), error) {
	driverName, err := sqlDriverName(s.driver)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := sql.Open(driverName, s.dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sql.DB for migrations: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrations, err := fs.Sub(migrationsFS, "migrations/"+s.driver)
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}
	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}

	var (
		dbDriver database.Driver
		dbName   string
	)
	switch s.driver {
	case DriverPostgres:
		dbDriver, err = pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
		dbName = "pgx5"
	default:
		dbDriver, err = sqlite.WithInstance(sqlDB, &sqlite.Config{})
		dbName = "sqlite"
	}
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, dbName, dbDriver)
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrationLogger{}

	closeFn := func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			logger.Debug("STORE: migration close", "source_error", srcErr, "db_error", dbErr)
		}
		sqlDB.Close()
	}
	return m, closeFn, nil
}

type migrationLogger struct{}

func (l *migrationLogger) Printf(format string, v ...any) {
	logger.Infof("MIGRATE: "+format, v...)
}

func (l *migrationLogger) Verbose() bool {
	return false
}
