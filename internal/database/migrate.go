package database

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

//go:embed schema.sql
var schemaSQL string

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Statements returns the schema split into individual statements with
// comment lines removed.
func Statements() []string {
	var out []string
	for _, chunk := range strings.Split(schemaSQL, ";") {
		var lines []string
		for _, line := range strings.Split(chunk, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "--") {
				continue
			}
			lines = append(lines, line)
		}
		stmt := strings.TrimSpace(strings.Join(lines, "\n"))
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// Migrate applies the embedded schema.  Every statement is idempotent.
func Migrate(ctx context.Context, db Execer, logger *zap.Logger) error {
	stmts := Statements()
	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: statement %d: %w", i+1, err)
		}
	}
	logger.Info("schema applied", zap.Int("statements", len(stmts)))
	return nil
}
