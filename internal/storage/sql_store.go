package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/annel0/worldhost/internal/governance"
	"github.com/annel0/worldhost/internal/world"
	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// dialect - различия SQL между MariaDB и SQLite.
type dialect struct {
	name         string
	schema       []string
	upsertPolicy string
}

var mysqlDialect = dialect{
	name: DriverMySQL,
	schema: []string{`
		CREATE TABLE IF NOT EXISTS worlds (
			id          VARCHAR(64)  PRIMARY KEY,
			owner_id    VARCHAR(64)  NOT NULL,
			name        VARCHAR(255) NOT NULL,
			hostname    VARCHAR(63)  NOT NULL,
			version_ref VARCHAR(128) NOT NULL,
			memory_mib  INT          NOT NULL,
			port        INT          NULL,
			state       VARCHAR(16)  NOT NULL,
			enabled     BOOLEAN      NOT NULL DEFAULT FALSE,
			config      MEDIUMTEXT   NOT NULL,
			created_at  BIGINT       NOT NULL,
			updated_at  BIGINT       NOT NULL,
			UNIQUE KEY idx_hostname (hostname),
			INDEX idx_owner (owner_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`, `
		CREATE TABLE IF NOT EXISTS world_policies (
			owner_id   VARCHAR(64) PRIMARY KEY,
			policy     TEXT        NOT NULL,
			updated_at BIGINT      NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	},
	upsertPolicy: `
		INSERT INTO world_policies (owner_id, policy, updated_at)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE
			policy = VALUES(policy),
			updated_at = VALUES(updated_at)`,
}

var sqliteDialect = dialect{
	name: DriverSQLite,
	schema: []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS worlds (
			id          TEXT    PRIMARY KEY,
			owner_id    TEXT    NOT NULL,
			name        TEXT    NOT NULL,
			hostname    TEXT    NOT NULL UNIQUE,
			version_ref TEXT    NOT NULL,
			memory_mib  INTEGER NOT NULL,
			port        INTEGER NULL,
			state       TEXT    NOT NULL,
			enabled     INTEGER NOT NULL DEFAULT 0,
			config      TEXT    NOT NULL,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_worlds_owner ON worlds(owner_id);`,
		`CREATE TABLE IF NOT EXISTS world_policies (
			owner_id   TEXT    PRIMARY KEY,
			policy     TEXT    NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
	},
	upsertPolicy: `
		INSERT INTO world_policies (owner_id, policy, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			policy = excluded.policy,
			updated_at = excluded.updated_at`,
}

// SQLStore реализует world.Repository и world.PolicyStore для MariaDB/MySQL
// и SQLite. Время хранится в наносекундах Unix, конфигурация - JSON.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// OpenMySQL подключается к MariaDB/MySQL и создаёт таблицы.
//
// dsn: user:pass@tcp(host:port)/dbname
func OpenMySQL(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("не удалось подключиться к MariaDB: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("не удалось проверить соединение с MariaDB: %w", err)
	}
	return newSQLStore(ctx, db, mysqlDialect)
}

// OpenSQLite открывает файл базы SQLite, создавая каталог при необходимости.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return newSQLStore(ctx, db, sqliteDialect)
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("не удалось создать таблицы (%s): %w", d.name, err)
		}
	}
	return &SQLStore{db: db, dialect: d}, nil
}

const worldColumns = `id, owner_id, name, hostname, version_ref, memory_mib, port, state, enabled, config, created_at, updated_at`

// isDuplicate распознаёт нарушение уникальности в обоих диалектах.
func isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func worldArgs(w *world.World) ([]any, error) {
	cfg := w.Config
	if cfg == nil {
		cfg = map[string]string{}
	}
	blob, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации конфигурации: %w", err)
	}
	var port sql.NullInt64
	if w.Port != nil {
		port = sql.NullInt64{Int64: int64(*w.Port), Valid: true}
	}
	return []any{
		w.OwnerID, w.Name, w.Hostname, w.VersionRef, w.MemoryMiB, port,
		string(w.State), w.Enabled, string(blob),
		w.CreatedAt.UnixNano(), w.UpdatedAt.UnixNano(),
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorld(r rowScanner) (*world.World, error) {
	var (
		w                world.World
		port             sql.NullInt64
		state, blob      string
		created, updated int64
	)
	if err := r.Scan(&w.ID, &w.OwnerID, &w.Name, &w.Hostname, &w.VersionRef, &w.MemoryMiB,
		&port, &state, &w.Enabled, &blob, &created, &updated); err != nil {
		return nil, err
	}
	if port.Valid {
		w.SetPort(int(port.Int64))
	}
	w.State = world.State(state)
	if blob != "" && blob != "{}" {
		if err := json.Unmarshal([]byte(blob), &w.Config); err != nil {
			return nil, fmt.Errorf("ошибка десериализации конфигурации %s: %w", w.ID, err)
		}
	}
	w.CreatedAt = time.Unix(0, created).UTC()
	w.UpdatedAt = time.Unix(0, updated).UTC()
	return &w, nil
}

func (s *SQLStore) Create(ctx context.Context, w *world.World) error {
	args, err := worldArgs(w)
	if err != nil {
		return err
	}
	query := `INSERT INTO worlds (` + worldColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query, append([]any{w.ID}, args...)...)
	if isDuplicate(err) {
		return fmt.Errorf("%w: %s", world.ErrExists, w.ID)
	}
	if err != nil {
		return fmt.Errorf("ошибка создания мира %s: %w", w.ID, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*world.World, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+worldColumns+` FROM worlds WHERE id = ?`, id)
	w, err := scanWorld(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", world.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки мира %s: %w", id, err)
	}
	return w, nil
}

// List возвращает миры, отсортированные по времени создания.
func (s *SQLStore) List(ctx context.Context) ([]*world.World, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+worldColumns+` FROM worlds ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки миров: %w", err)
	}
	defer rows.Close()

	var out []*world.World
	for rows.Next() {
		w, err := scanWorld(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *SQLStore) Update(ctx context.Context, w *world.World) error {
	args, err := worldArgs(w)
	if err != nil {
		return err
	}
	query := `
		UPDATE worlds SET
			owner_id = ?, name = ?, hostname = ?, version_ref = ?, memory_mib = ?, port = ?,
			state = ?, enabled = ?, config = ?, created_at = ?, updated_at = ?
		WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, append(args, w.ID)...)
	if err != nil {
		return fmt.Errorf("ошибка сохранения мира %s: %w", w.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ошибка получения количества затронутых строк: %w", err)
	}
	if n == 0 {
		// MySQL не считает строку затронутой, если значения не изменились.
		if _, err := s.Get(ctx, w.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM worlds WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления мира %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ошибка получения количества затронутых строк: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", world.ErrNotFound, id)
	}
	return nil
}

// GetPolicy возвращает политику владельца; отсутствующая - пустая.
func (s *SQLStore) GetPolicy(ctx context.Context, ownerID string) (governance.Policy, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT policy FROM world_policies WHERE owner_id = ?`, ownerID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return governance.Policy{}, nil
	}
	if err != nil {
		return governance.Policy{}, fmt.Errorf("ошибка загрузки политики %s: %w", ownerID, err)
	}
	return governance.ParsePolicy([]byte(blob))
}

func (s *SQLStore) SavePolicy(ctx context.Context, ownerID string, p governance.Policy) error {
	blob, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("ошибка сериализации политики: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.upsertPolicy, ownerID, string(blob), time.Now().UnixNano()); err != nil {
		return fmt.Errorf("ошибка сохранения политики %s: %w", ownerID, err)
	}
	return nil
}

// Close закрывает соединение с базой данных.
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
