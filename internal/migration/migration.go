package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	billingdomain "github.com/smallbiznis/subchain/internal/billing/domain"
	billingeventdomain "github.com/smallbiznis/subchain/internal/billingevent/domain"
	paymentdomain "github.com/smallbiznis/subchain/internal/payment/domain"
	webhookdomain "github.com/smallbiznis/subchain/internal/webhook/domain"
	"gorm.io/gorm"
)

// Models lists every table the ledger store owns, in dependency order.
func Models() []any {
	return []any{
		&billingdomain.Plan{},
		&billingdomain.Subscriber{},
		&paymentdomain.Payment{},
		&billingeventdomain.BillingEvent{},
		&webhookdomain.Webhook{},
		&webhookdomain.WebhookEvent{},
	}
}

// Up brings the schema to the latest version. Postgres uses the embedded SQL
// migrations; other dialects fall back to gorm AutoMigrate.
func Up(conn *gorm.DB) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}
	if conn.Dialector.Name() != "postgres" {
		return conn.AutoMigrate(Models()...)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return RunMigrations(sqlDB)
}

func RunMigrations(db *sql.DB) error {
	migrator, err := newMigrator(db)
	if err != nil {
		return err
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// Down rolls back steps migrations. Only postgres keeps a version history.
func Down(conn *gorm.DB, steps int) error {
	if steps <= 0 {
		return errors.New("steps must be positive")
	}
	if conn.Dialector.Name() != "postgres" {
		return fmt.Errorf("rollback is not supported on %s", conn.Dialector.Name())
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	migrator, err := newMigrator(sqlDB)
	if err != nil {
		return err
	}
	if err := migrator.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rollback migrations: %w", err)
	}
	return nil
}

// Version reports the applied schema version and whether the last run left it dirty.
func Version(conn *gorm.DB) (uint, bool, error) {
	if conn.Dialector.Name() != "postgres" {
		return 0, false, nil
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return 0, false, err
	}
	migrator, err := newMigrator(sqlDB)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := migrator.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	if db == nil {
		return nil, errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return migrator, nil
}
