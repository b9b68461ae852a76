package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute

	driverName = "pgx"
)

var (
	ErrPrimaryDSNRequired = errors.New("postgres primary connection string is required")
	ErrNotConnected       = errors.New("postgres connection is not established")
	ErrNoPrimaryDB        = errors.New("no primary database configured")
	ErrMigrationsRequired = errors.New("migration source is required")

	dbOpenFn = sql.Open

	createResolverFn = func(primaryDB, replicaDB *sql.DB) (_ dbresolver.DB, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("failed to create resolver: %v", recovered)
			}
		}()

		connectionDB := dbresolver.New(
			dbresolver.WithPrimaryDBs(primaryDB),
			dbresolver.WithReplicaDBs(replicaDB),
			dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
		)

		if connectionDB == nil {
			return nil, errors.New("resolver returned nil connection")
		}

		return connectionDB, nil
	}

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
)

// Connection owns the primary and replica pools. The replica DSN is
// optional; without it reads go to the primary.
type Connection struct {
	PrimaryDSN         string
	ReplicaDSN         string
	MaxOpenConnections int
	MaxIdleConnections int
	Logger             log.Logger

	connectionDB dbresolver.DB
	mu           sync.RWMutex
}

func (pc *Connection) initDefaults() {
	if nilcheck.Interface(pc.Logger) {
		pc.Logger = log.NewNop()
	}

	if pc.MaxOpenConnections <= 0 {
		pc.MaxOpenConnections = defaultMaxOpenConns
	}

	if pc.MaxIdleConnections <= 0 {
		pc.MaxIdleConnections = defaultMaxIdleConns
	}
}

// Connect opens both pools and pings them. A previous connection is closed.
func (pc *Connection) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()

	pc.initDefaults()

	if strings.TrimSpace(pc.PrimaryDSN) == "" {
		return ErrPrimaryDSNRequired
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if pc.connectionDB != nil {
		if err := pc.closeLocked(); err != nil {
			pc.Logger.Log(ctx, log.LevelWarn, "failed to close previous connection before reconnect",
				log.String("error", sanitizeSensitiveError(err)))
		}
	}

	pc.Logger.Log(ctx, log.LevelInfo, "connecting to postgres")

	dbPrimary, err := pc.open(pc.PrimaryDSN)
	if err != nil {
		return fmt.Errorf("failed to connect to primary database: %s", sanitizeSensitiveError(err))
	}

	var success bool

	defer func() {
		if !success {
			_ = dbPrimary.Close()
		}
	}()

	dbReplica := dbPrimary

	if strings.TrimSpace(pc.ReplicaDSN) != "" {
		dbReplica, err = pc.open(pc.ReplicaDSN)
		if err != nil {
			return fmt.Errorf("failed to connect to replica database: %s", sanitizeSensitiveError(err))
		}

		defer func() {
			if !success {
				_ = dbReplica.Close()
			}
		}()
	}

	connectionDB, err := createResolverFn(dbPrimary, dbReplica)
	if err != nil {
		return fmt.Errorf("failed to create resolver: %w", err)
	}

	if err := connectionDB.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %s", sanitizeSensitiveError(err))
	}

	pc.connectionDB = connectionDB
	success = true

	pc.Logger.Log(ctx, log.LevelInfo, "connected to postgres")

	return nil
}

func (pc *Connection) open(dsn string) (*sql.DB, error) {
	db, err := dbOpenFn(driverName, dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(pc.MaxOpenConnections)
	db.SetMaxIdleConns(pc.MaxIdleConnections)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	return db, nil
}

// DB returns the resolver, connecting on first use.
func (pc *Connection) DB(ctx context.Context) (dbresolver.DB, error) {
	pc.mu.RLock()

	if pc.connectionDB != nil {
		db := pc.connectionDB
		pc.mu.RUnlock()

		return db, nil
	}

	pc.mu.RUnlock()

	if err := pc.Connect(ctx); err != nil {
		return nil, err
	}

	pc.mu.RLock()
	defer pc.mu.RUnlock()

	if pc.connectionDB == nil {
		return nil, ErrNotConnected
	}

	return pc.connectionDB, nil
}

// PrimaryDB returns the primary pool, used for migrations.
func (pc *Connection) PrimaryDB(ctx context.Context) (*sql.DB, error) {
	db, err := pc.DB(ctx)
	if err != nil {
		return nil, err
	}

	return PrimaryOf(db)
}

// PrimaryOf returns the first primary pool of a resolver.
func PrimaryOf(db dbresolver.DB) (*sql.DB, error) {
	if nilcheck.Interface(db) {
		return nil, ErrNotConnected
	}

	primaryDBs := db.PrimaryDBs()
	if len(primaryDBs) == 0 || primaryDBs[0] == nil {
		return nil, ErrNoPrimaryDB
	}

	return primaryDBs[0], nil
}

// Close releases both pools.
func (pc *Connection) Close() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	return pc.closeLocked()
}

func (pc *Connection) closeLocked() error {
	if pc.connectionDB == nil {
		return nil
	}

	err := pc.connectionDB.Close()
	pc.connectionDB = nil

	return err
}

// IsConnected reports whether the resolver is initialized.
func (pc *Connection) IsConnected() bool {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	return pc.connectionDB != nil
}

// Migration describes an embedded migration set.
type Migration struct {
	// Source holds the *.up.sql / *.down.sql files.
	Source fs.FS
	// Dir is the directory inside Source.
	Dir string
	// Table records the applied version. Each migration set needs its own.
	Table string
}

// RunMigrations applies every pending up migration. No change is not an
// error; a dirty database is.
func RunMigrations(ctx context.Context, db *sql.DB, migration Migration, logger log.Logger) error {
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	if db == nil {
		return ErrNotConnected
	}

	if migration.Source == nil {
		return ErrMigrationsRequired
	}

	source, err := iofs.New(migration.Source, migration.Dir)
	if err != nil {
		return fmt.Errorf("failed to open migration source: %w", err)
	}

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{MigrationsTable: migration.Table})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver instance: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Log(ctx, log.LevelInfo, "no new migrations found", log.String("table", migration.Table))

			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		return fmt.Errorf("migration failed: %w", err)
	}

	logger.Log(ctx, log.LevelInfo, "migrations applied", log.String("table", migration.Table))

	return nil
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connectionStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")
	sanitized = connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")

	return sanitized
}
