package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"runtime"
	"time"
	"voxsign/pkg/apperr"
	"voxsign/pkg/logger"
	"voxsign/pkg/model"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

type PostgresStorage struct {
	pool *pgxpool.Pool
}

// New PostgreSQL storage instance
func NewPostgresStorage(ctx context.Context, databaseURL, migrationsDir string) (*PostgresStorage, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test the connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connection established")

	if err := runMigrations(databaseURL, migrationsDir); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("Database migrations completed successfully")

	return &PostgresStorage{pool: pool}, nil
}

func newMigrator(databaseURL, migrationsDir string) (*migrate.Migrate, func(), error) {
	migrationsPath, err := filepath.Abs(migrationsDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get migrations path: %w", err)
	}

	// Create file URL from path (works on both Windows and Unix)
	var migrationsURL string
	if runtime.GOOS == "windows" {
		u := &url.URL{
			Scheme: "file",
			Path:   filepath.ToSlash(migrationsPath),
		}
		migrationsURL = u.String()
	} else {
		migrationsURL = fmt.Sprintf("file://%s", migrationsPath)
	}

	logger.Info("Running migrations", zap.String("path", migrationsURL))

	connConfig, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	db := stdlib.OpenDB(*connConfig)

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(migrationsURL, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	closer := func() {
		m.Close()
		db.Close()
	}
	return m, closer, nil
}

// Executing database migrations
func runMigrations(databaseURL, migrationsDir string) error {
	m, closeFn, err := newMigrator(databaseURL, migrationsDir)
	if err != nil {
		return err
	}
	defer closeFn()

	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("No new migrations to apply")
	} else {
		logger.Info("Migrations applied successfully")
	}

	return nil
}

// Drops all tables and re-runs migrations (for development)
func ResetMigrations(databaseURL, migrationsDir string) error {
	logger.Warn("Resetting database - this will drop all data!")

	m, closeFn, err := newMigrator(databaseURL, migrationsDir)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := m.Drop(); err != nil {
		return fmt.Errorf("failed to drop database: %w", err)
	}

	logger.Info("Database dropped successfully")

	// Drop removes the migrations table too, so a fresh instance is needed.
	m2, closeFn2, err := newMigrator(databaseURL, migrationsDir)
	if err != nil {
		return err
	}
	defer closeFn2()

	if err := m2.Up(); err != nil {
		return fmt.Errorf("failed to run migrations after reset: %w", err)
	}

	logger.Info("Database reset and migrations applied successfully")
	return nil
}

// Closes the database connection pool
func (s *PostgresStorage) Close() {
	s.pool.Close()
}

// Ping checks database connectivity.
func (s *PostgresStorage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func notFound(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, apperr.ErrNotFound)
}

// ---- users ----

const userColumns = `id, email, email_verified, voice_profile_id, voice_enrollment_complete,
	voice_enrollment_date, created_at, updated_at`

// GetUserByID retrieves a user by its ID
func (s *PostgresStorage) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	var u model.User
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&u.ID,
		&u.Email,
		&u.EmailVerified,
		&u.VoiceProfileID,
		&u.VoiceEnrollmentComplete,
		&u.VoiceEnrollmentDate,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("user", id)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &u, nil
}

// ---- voice enrollments ----

const enrollmentColumns = `id, user_id, is_active, video_url, audio_url, voice_profile_id,
	processing_status, processing_error, is_processed, ready_for_profile_creation,
	duration, is_audio_only, last_used_at, created_at, updated_at`

func scanEnrollment(row pgx.Row) (*model.VoiceEnrollment, error) {
	var e model.VoiceEnrollment
	err := row.Scan(
		&e.ID,
		&e.UserID,
		&e.IsActive,
		&e.VideoURL,
		&e.AudioURL,
		&e.VoiceProfileID,
		&e.ProcessingStatus,
		&e.ProcessingError,
		&e.IsProcessed,
		&e.ReadyForProfileCreation,
		&e.Duration,
		&e.IsAudioOnly,
		&e.LastUsedAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func collectEnrollments(rows pgx.Rows) ([]*model.VoiceEnrollment, error) {
	defer rows.Close()

	var out []*model.VoiceEnrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan enrollment: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate enrollments: %w", err)
	}
	return out, nil
}

// CreateActiveEnrollment retires the user's previous active enrollments,
// inserts e as the new active one and marks the user as voice-enrolled.
func (s *PostgresStorage) CreateActiveEnrollment(ctx context.Context, e *model.VoiceEnrollment) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE voice_enrollments
			SET is_active = FALSE, updated_at = NOW()
			WHERE user_id = $1 AND is_active`, e.UserID)
		if err != nil {
			return fmt.Errorf("failed to retire enrollments: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO voice_enrollments (`+enrollmentColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			e.ID,
			e.UserID,
			e.IsActive,
			e.VideoURL,
			e.AudioURL,
			e.VoiceProfileID,
			e.ProcessingStatus,
			e.ProcessingError,
			e.IsProcessed,
			e.ReadyForProfileCreation,
			e.Duration,
			e.IsAudioOnly,
			e.LastUsedAt,
			e.CreatedAt,
			e.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create enrollment: %w", err)
		}

		result, err := tx.Exec(ctx, `
			UPDATE users
			SET voice_enrollment_complete = TRUE, voice_enrollment_date = $2, updated_at = NOW()
			WHERE id = $1`, e.UserID, e.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to update user enrollment: %w", err)
		}
		if result.RowsAffected() == 0 {
			return notFound("user", e.UserID)
		}

		return nil
	})
}

// GetEnrollmentByID retrieves an enrollment by its ID
func (s *PostgresStorage) GetEnrollmentByID(ctx context.Context, id string) (*model.VoiceEnrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM voice_enrollments WHERE id = $1`

	e, err := scanEnrollment(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("enrollment", id)
		}
		return nil, fmt.Errorf("failed to get enrollment: %w", err)
	}
	return e, nil
}

// GetActiveEnrollment returns the newest active enrollment for a user.
func (s *PostgresStorage) GetActiveEnrollment(ctx context.Context, userID string) (*model.VoiceEnrollment, error) {
	query := `
		SELECT ` + enrollmentColumns + `
		FROM voice_enrollments
		WHERE user_id = $1 AND is_active
		ORDER BY created_at DESC
		LIMIT 1`

	e, err := scanEnrollment(s.pool.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("active enrollment for user", userID)
		}
		return nil, fmt.Errorf("failed to get active enrollment: %w", err)
	}
	return e, nil
}

// GetEnrollmentByProfileID finds the enrollment that owns a biometric profile.
func (s *PostgresStorage) GetEnrollmentByProfileID(ctx context.Context, profileID string) (*model.VoiceEnrollment, error) {
	query := `
		SELECT ` + enrollmentColumns + `
		FROM voice_enrollments
		WHERE voice_profile_id = $1
		ORDER BY updated_at DESC
		LIMIT 1`

	e, err := scanEnrollment(s.pool.QueryRow(ctx, query, profileID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("enrollment for profile", profileID)
		}
		return nil, fmt.Errorf("failed to get enrollment by profile: %w", err)
	}
	return e, nil
}

// UpdateEnrollment writes back the mutable enrollment fields
func (s *PostgresStorage) UpdateEnrollment(ctx context.Context, e *model.VoiceEnrollment) error {
	return updateEnrollment(ctx, s.pool, e)
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func updateEnrollment(ctx context.Context, db execer, e *model.VoiceEnrollment) error {
	query := `
		UPDATE voice_enrollments
		SET is_active = $2, audio_url = $3, voice_profile_id = $4, processing_status = $5,
		    processing_error = $6, is_processed = $7, ready_for_profile_creation = $8,
		    last_used_at = $9, updated_at = $10
		WHERE id = $1`

	result, err := db.Exec(ctx, query,
		e.ID,
		e.IsActive,
		e.AudioURL,
		e.VoiceProfileID,
		e.ProcessingStatus,
		e.ProcessingError,
		e.IsProcessed,
		e.ReadyForProfileCreation,
		e.LastUsedAt,
		e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update enrollment: %w", err)
	}
	if result.RowsAffected() == 0 {
		return notFound("enrollment", e.ID)
	}
	return nil
}

// TouchEnrollmentLastUsed records that an enrollment was used for verification.
func (s *PostgresStorage) TouchEnrollmentLastUsed(ctx context.Context, id string, at time.Time) error {
	result, err := s.pool.Exec(ctx,
		`UPDATE voice_enrollments SET last_used_at = $2, updated_at = NOW() WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to update enrollment last use: %w", err)
	}
	if result.RowsAffected() == 0 {
		return notFound("enrollment", id)
	}
	return nil
}

// ListPendingProfileEnrollments returns a user's enrollments that have audio
// but no biometric profile yet.
func (s *PostgresStorage) ListPendingProfileEnrollments(ctx context.Context, userID string) ([]*model.VoiceEnrollment, error) {
	query := `
		SELECT ` + enrollmentColumns + `
		FROM voice_enrollments
		WHERE user_id = $1
		  AND ready_for_profile_creation
		  AND voice_profile_id IS NULL
		  AND audio_url IS NOT NULL
		ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending enrollments: %w", err)
	}
	return collectEnrollments(rows)
}

// ListUsersWithPendingEnrollments returns verified users that have at least
// one enrollment waiting for profile creation.
func (s *PostgresStorage) ListUsersWithPendingEnrollments(ctx context.Context, limit int) ([]string, error) {
	query := `
		SELECT DISTINCT e.user_id
		FROM voice_enrollments e
		JOIN users u ON u.id = e.user_id
		WHERE u.email_verified
		  AND e.ready_for_profile_creation
		  AND e.voice_profile_id IS NULL
		  AND e.audio_url IS NOT NULL
		  AND e.processing_status <> $1
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, model.StatusProfileCreating, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list users with pending enrollments: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate user ids: %w", err)
	}
	return ids, nil
}

// CompleteProfileCreation stores the new profile id on the enrollment and
// mirrors it onto the user in one transaction. It returns the profile id the
// user held before, which the caller is expected to remove.
func (s *PostgresStorage) CompleteProfileCreation(ctx context.Context, e *model.VoiceEnrollment) (string, error) {
	if !e.HasProfile() {
		return "", fmt.Errorf("enrollment %s has no profile id", e.ID)
	}

	var previous *string
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			SELECT voice_profile_id FROM users
			WHERE id = $1
			FOR UPDATE`, e.UserID).Scan(&previous)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return notFound("user", e.UserID)
			}
			return fmt.Errorf("failed to lock user: %w", err)
		}

		if err := updateEnrollment(ctx, tx, e); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE users
			SET voice_profile_id = $2, updated_at = NOW()
			WHERE id = $1`, e.UserID, *e.VoiceProfileID)
		if err != nil {
			return fmt.Errorf("failed to update user profile id: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return model.Deref(previous), nil
}

// ---- audit ----

// CreateSecurityAuditLog appends an entry to the user security log.
func (s *PostgresStorage) CreateSecurityAuditLog(ctx context.Context, entry *model.SecurityAuditLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_security_audit_logs (id, user_id, type, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.ID,
		entry.UserID,
		entry.Type,
		entry.Metadata,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create security audit log: %w", err)
	}
	return nil
}
