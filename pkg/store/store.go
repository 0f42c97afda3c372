// Package store is the durable layer: user records, archived interaction
// flows, and the audit log that daily budget accounting reads from.
// Backed by PostgreSQL via the pgx stdlib driver.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/aegisgw/aegis/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Config holds PostgreSQL connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// LoadConfigFromEnv reads connection settings from the environment with
// development defaults.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Host:     getEnv("DATABASE_HOST", "localhost"),
		Port:     5432,
		User:     getEnv("DATABASE_USER", "aegis"),
		Password: getEnv("DATABASE_PASSWORD", "aegis"),
		Database: getEnv("DATABASE_NAME", "aegis"),
		SSLMode:  getEnv("DATABASE_SSL_MODE", "disable"),
	}
	if raw := os.Getenv("DATABASE_PORT"); raw != "" {
		if port, err := strconv.Atoi(raw); err == nil {
			cfg.Port = port
		}
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// DSN renders the config as a pgx connection string.
func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// UserRow is a user record as stored. Role capabilities live in the gateway
// configuration, not here; callers merge the two.
type UserRow struct {
	ID          int64
	Username    string
	Role        string
	Active      bool
	Blocked     bool
	BlockReason string
}

// Store wraps the database handle.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open connects, verifies the connection, and runs pending migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: slog.Default().With("component", "store")}
	s.logger.Info("Database connected", "host", cfg.Host, "database", cfg.Database)
	return s, nil
}

func runMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Health verifies the database connection.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// LoadUser fetches a user record by id.
func (s *Store) LoadUser(ctx context.Context, userID int64) (*UserRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, role, active, blocked, block_reason
		 FROM users WHERE id = $1`, userID)

	var u UserRow
	err := row.Scan(&u.ID, &u.Username, &u.Role, &u.Active, &u.Blocked, &u.BlockReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user %d: %w", userID, err)
	}
	return &u, nil
}

// SetBlocked flips a user's blocked flag with a reason. Used when guard
// escalation reaches the block_user tier.
func (s *Store) SetBlocked(ctx context.Context, userID int64, blocked bool, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET blocked = $2, block_reason = $3 WHERE id = $1`,
		userID, blocked, reason)
	if err != nil {
		return fmt.Errorf("failed to update user %d: %w", userID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	return nil
}

// InsertAudit records one completed session in the audit log.
func (s *Store) InsertAudit(ctx context.Context, rec *models.AuditRecord) error {
	tools, err := json.Marshal(rec.ToolsUsed)
	if err != nil {
		return fmt.Errorf("failed to marshal tools_used: %w", err)
	}
	mcps, err := json.Marshal(rec.MCPsUsed)
	if err != nil {
		return fmt.Errorf("failed to marshal mcps_used: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_logs
		 (user_id, conversation_id, session_id, source, input_tokens, output_tokens,
		  cost, tools_used, mcps_used, success, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		rec.UserID, rec.ConversationID, rec.SessionID, rec.Source,
		rec.InputTokens, rec.OutputTokens, rec.Cost, tools, mcps,
		rec.Success, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// DailyUsage sums the cost of a user's successful sessions since the start
// of the current UTC day. This is the number the budget check compares
// against the role's daily limit.
func (s *Store) DailyUsage(ctx context.Context, userID int64, now time.Time) (float64, error) {
	dayStart := now.UTC().Truncate(24 * time.Hour)

	var used sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM audit_logs
		 WHERE user_id = $1 AND success = TRUE AND created_at >= $2`,
		userID, dayStart).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("failed to compute daily usage for user %d: %w", userID, err)
	}
	return used.Float64, nil
}

// ArchiveFlow persists a completed session's full event trace.
func (s *Store) ArchiveFlow(ctx context.Context, sess *models.Session, success bool) error {
	events, err := json.Marshal(sess.Events)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO interaction_flows
		 (session_id, user_id, conversation_id, source, events,
		  input_tokens, output_tokens, cost, success, started_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 ON CONFLICT (session_id) DO UPDATE SET
		   events = EXCLUDED.events,
		   input_tokens = EXCLUDED.input_tokens,
		   output_tokens = EXCLUDED.output_tokens,
		   cost = EXCLUDED.cost,
		   success = EXCLUDED.success,
		   archived_at = now()`,
		sess.ID, sess.UserID, sess.ConversationID, sess.Source, events,
		sess.InputTokens, sess.OutputTokens, sess.Cost, success, sess.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to archive flow %s: %w", sess.ID, err)
	}
	return nil
}

// ArchivedFlow is a persisted session trace.
type ArchivedFlow struct {
	SessionID      string             `json:"session_id"`
	UserID         int64              `json:"user_id"`
	ConversationID *string            `json:"conversation_id,omitempty"`
	Source         string             `json:"source"`
	Events         []models.FlowEvent `json:"events"`
	InputTokens    int                `json:"input_tokens"`
	OutputTokens   int                `json:"output_tokens"`
	Cost           float64            `json:"cost"`
	Success        bool               `json:"success"`
	StartedAt      time.Time          `json:"started_at"`
	ArchivedAt     time.Time          `json:"archived_at"`
}

// GetFlow fetches one archived session trace.
func (s *Store) GetFlow(ctx context.Context, sessionID string) (*ArchivedFlow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, user_id, conversation_id, source, events,
		        input_tokens, output_tokens, cost, success, started_at, archived_at
		 FROM interaction_flows WHERE session_id = $1`, sessionID)

	flow, err := scanFlow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("flow %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load flow %s: %w", sessionID, err)
	}
	return flow, nil
}

// ListFlowsByUser returns a user's archived sessions, newest first.
func (s *Store) ListFlowsByUser(ctx context.Context, userID int64, limit int) ([]*ArchivedFlow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, user_id, conversation_id, source, events,
		        input_tokens, output_tokens, cost, success, started_at, archived_at
		 FROM interaction_flows
		 WHERE user_id = $1
		 ORDER BY archived_at DESC
		 LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list flows for user %d: %w", userID, err)
	}
	defer rows.Close()

	var flows []*ArchivedFlow
	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow row: %w", err)
		}
		flows = append(flows, flow)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flow rows: %w", err)
	}
	return flows, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlow(row rowScanner) (*ArchivedFlow, error) {
	var flow ArchivedFlow
	var events []byte
	err := row.Scan(&flow.SessionID, &flow.UserID, &flow.ConversationID,
		&flow.Source, &events, &flow.InputTokens, &flow.OutputTokens,
		&flow.Cost, &flow.Success, &flow.StartedAt, &flow.ArchivedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(events, &flow.Events); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}
	return &flow, nil
}
