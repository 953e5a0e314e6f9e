package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/nepiskopos/open-webui-enhancements/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the database configured under dbType.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// every connection to :memory: is a separate database
		if strings.Contains(dbCfg.DSN, ":memory:") {
			db.SetMaxOpenConns(1)
		}
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite wal: %w", err)
		}
	case "mysql":
		dsn := dbCfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
				dbCfg.Username,
				dbCfg.Password,
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.DBName,
				dbCfg.Params,
			)
		}
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the journal table is present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS turn_journal (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id TEXT NOT NULL,
				pipeline TEXT NOT NULL,
				user_id TEXT NOT NULL,
				chat_id TEXT NOT NULL,
				file_id TEXT NOT NULL,
				file_name TEXT NOT NULL,
				status TEXT NOT NULL,
				detail TEXT NOT NULL DEFAULT '',
				result_digest TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_turn_journal_scope ON turn_journal(user_id, chat_id, created_at)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS turn_journal (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				run_id VARCHAR(64) NOT NULL,
				pipeline VARCHAR(255) NOT NULL,
				user_id VARCHAR(255) NOT NULL,
				chat_id VARCHAR(255) NOT NULL,
				file_id VARCHAR(255) NOT NULL,
				file_name VARCHAR(1024) NOT NULL,
				status VARCHAR(32) NOT NULL,
				detail TEXT NOT NULL,
				result_digest CHAR(64) NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_turn_journal_scope (user_id, chat_id, created_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
