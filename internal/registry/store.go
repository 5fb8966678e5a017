// Package registry persists sessions and tokens across daemon restarts.
// SQLite in WAL mode is the system of record: the reconciliation sweep at
// startup trusts it over whatever the engines report.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/playpen-dev/playpen/internal/logging"
	"github.com/playpen-dev/playpen/internal/session"
)

// gormLogger wraps the playpen logger for GORM.
type gormLogger struct {
	level logger.LogLevel
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	return &gormLogger{level: level}
}

func (l *gormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Info {
		logging.Logger.Info(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Warn {
		logging.Logger.Warn(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Error {
		logging.Logger.Error(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level < logger.Info {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		logging.Logger.Error("gorm query error",
			"error", err,
			"duration", elapsed,
			"sql", sql,
			"rows", rows,
		)
	} else if elapsed > 200*time.Millisecond {
		logging.Logger.Warn("slow query",
			"duration", elapsed,
			"sql", sql,
			"rows", rows,
		)
	} else {
		logging.Logger.Debug("gorm query",
			"duration", elapsed,
			"sql", sql,
			"rows", rows,
		)
	}
}

func newGormLogger() logger.Interface {
	if os.Getenv("PLAYPEN_DEBUG") == "1" {
		return (&gormLogger{}).LogMode(logger.Info)
	}
	return (&gormLogger{}).LogMode(logger.Silent)
}

// Store provides thread-safe ACID access to the session registry.
type Store struct {
	db *gorm.DB
}

// NewStore opens (creating if needed) the registry database with WAL mode
// enabled.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		PrepareStmt: false,
		NowFunc:     func() time.Time { return time.Now().UTC() },
		Logger:      newGormLogger(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}

	// Enable WAL mode for concurrent access.
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")
	db.Exec("PRAGMA synchronous=NORMAL")

	if err := db.AutoMigrate(&SessionRecord{}, &TokenRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate registry schema: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(0)

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateSession inserts a new session record. Name uniqueness is enforced
// across ALL states, including terminal ones, until the record is deleted.
func (s *Store) CreateSession(ctx context.Context, sess session.Session) error {
	return withRetry(func() error {
		rec := fromSession(sess)
		err := s.db.WithContext(ctx).Create(&rec).Error
		if err != nil && isUniqueViolation(err) {
			return fmt.Errorf("%q: %w", sess.Name, session.ErrNameInUse)
		}
		return err
	}, 3)
}

// GetSession retrieves a session by name.
func (s *Store) GetSession(ctx context.Context, name string) (session.Session, error) {
	var rec SessionRecord
	err := withRetry(func() error {
		return s.db.WithContext(ctx).Where("name = ?", name).First(&rec).Error
	}, 3)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return session.Session{}, fmt.Errorf("session %q: %w", name, session.ErrNotFound)
		}
		return session.Session{}, err
	}
	return toSession(rec)
}

// ListSessions returns all sessions ordered by creation time.
func (s *Store) ListSessions(ctx context.Context) ([]session.Session, error) {
	var recs []SessionRecord
	err := withRetry(func() error {
		return s.db.WithContext(ctx).Order("created_at ASC, name ASC").Find(&recs).Error
	}, 3)
	if err != nil {
		return nil, err
	}

	sessions := make([]session.Session, 0, len(recs))
	for _, rec := range recs {
		sess, err := toSession(rec)
		if err != nil {
			return nil, fmt.Errorf("corrupt record for %q: %w", rec.Name, err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// UpdateState transitions a session, validating the edge against the current
// persisted state inside the same transaction.
func (s *Store) UpdateState(ctx context.Context, name string, next session.State, lastError string) error {
	return withRetry(func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var rec SessionRecord
			if err := tx.Where("name = ?", name).First(&rec).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("session %q: %w", name, session.ErrNotFound)
				}
				return err
			}

			current := session.State(rec.State)
			if current != next && !current.CanTransitionTo(next) {
				return fmt.Errorf("illegal transition %s -> %s for session %q", current, next, name)
			}

			updates := map[string]any{
				"state":      string(next),
				"last_error": lastError,
				"updated_at": time.Now().UTC(),
			}
			return tx.Model(&SessionRecord{}).Where("name = ?", name).Updates(updates).Error
		})
	}, 3)
}

// UpdateRuntime records the engine-assigned runtime identity of a session.
func (s *Store) UpdateRuntime(ctx context.Context, name, handle, address string, hostPort int) error {
	return withRetry(func() error {
		result := s.db.WithContext(ctx).Model(&SessionRecord{}).Where("name = ?", name).Updates(map[string]any{
			"resource_handle": handle,
			"network_address": address,
			"host_port":       hostPort,
			"updated_at":      time.Now().UTC(),
		})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("session %q: %w", name, session.ErrNotFound)
		}
		return nil
	}, 3)
}

// TouchHealthCheck records a successful health probe.
func (s *Store) TouchHealthCheck(ctx context.Context, name string, at time.Time) error {
	return withRetry(func() error {
		return s.db.WithContext(ctx).Model(&SessionRecord{}).Where("name = ?", name).
			Update("last_health_check_at", at.UTC()).Error
	}, 3)
}

// DeleteSession removes a terminal session record, freeing its name for
// reuse. The session's tokens go with it.
func (s *Store) DeleteSession(ctx context.Context, name string) error {
	return withRetry(func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var rec SessionRecord
			if err := tx.Where("name = ?", name).First(&rec).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("session %q: %w", name, session.ErrNotFound)
				}
				return err
			}
			if !session.State(rec.State).Terminal() {
				return fmt.Errorf("session %q is still %s", name, rec.State)
			}

			if err := tx.Where("session_name = ?", name).Delete(&TokenRecord{}).Error; err != nil {
				return err
			}
			return tx.Where("name = ?", name).Delete(&SessionRecord{}).Error
		})
	}, 3)
}

// SaveToken persists a newly issued token.
func (s *Store) SaveToken(ctx context.Context, t session.Token) error {
	return withRetry(func() error {
		rec := fromToken(t)
		return s.db.WithContext(ctx).Create(&rec).Error
	}, 3)
}

// GetToken retrieves a token by its opaque ID.
func (s *Store) GetToken(ctx context.Context, id string) (session.Token, error) {
	var rec TokenRecord
	err := withRetry(func() error {
		return s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	}, 3)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return session.Token{}, fmt.Errorf("token: %w", session.ErrNotFound)
		}
		return session.Token{}, err
	}
	return toToken(rec), nil
}

// RevokeSessionTokens invalidates every token issued to the session. Takes
// effect on the next authorization check.
func (s *Store) RevokeSessionTokens(ctx context.Context, name string) error {
	return withRetry(func() error {
		return s.db.WithContext(ctx).Model(&TokenRecord{}).
			Where("session_name = ?", name).
			Update("revoked", true).Error
	}, 3)
}

// withRetry retries operations on SQLITE_BUSY with linear backoff.
func withRetry(fn func() error, maxRetries int) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}

		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
			time.Sleep(time.Millisecond * time.Duration(50*(i+1)))
			continue
		}
		return err
	}
	return err
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
