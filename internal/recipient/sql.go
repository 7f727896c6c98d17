package recipient

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	// Database drivers for the supported recipient stores.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLSource reads recipients from a relational database. The query must
// return an email column; every other selected column passes through as
// a named field.
type SQLSource struct {
	driver      string // sqlite3, postgres or mysql
	dsn         string
	query       string
	emailColumn string
	logger      *slog.Logger
}

// NewSQLSource creates a database recipient source
func NewSQLSource(driver, dsn, query, emailColumn string) (*SQLSource, error) {
	switch driver {
	case "sqlite3", "postgres", "mysql":
	default:
		return nil, fmt.Errorf("unsupported recipients database driver: %q", driver)
	}
	if emailColumn == "" {
		emailColumn = "email"
	}
	return &SQLSource{
		driver:      driver,
		dsn:         dsn,
		query:       query,
		emailColumn: emailColumn,
		logger:      slog.Default().With("component", "recipients-sql", "driver", driver),
	}, nil
}

// Load runs the configured query and returns up to limit recipients in
// result order.
func (s *SQLSource) Load(limit int) ([]Recipient, error) {
	db, err := sql.Open(s.driver, s.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open recipients database: %w", err)
	}
	defer db.Close()

	rows, err := db.Query(s.query)
	if err != nil {
		return nil, fmt.Errorf("recipients query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read recipients columns: %w", err)
	}
	emailIdx := -1
	for i, name := range cols {
		if strings.EqualFold(name, s.emailColumn) {
			emailIdx = i
			break
		}
	}
	if emailIdx == -1 {
		return nil, fmt.Errorf("recipients query returns no %q column", s.emailColumn)
	}

	var out []Recipient
	skipped := 0
	values := make([]sql.NullString, len(cols))
	scan := make([]any, len(cols))
	for i := range values {
		scan[i] = &values[i]
	}

	for rows.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, fmt.Errorf("failed to scan recipients row: %w", err)
		}
		email := strings.TrimSpace(values[emailIdx].String)
		if err := ValidateEmail(email); err != nil {
			s.logger.Warn("skipping recipient", "error", err)
			skipped++
			continue
		}
		fields := make(map[string]string, len(cols)-1)
		for i, name := range cols {
			if i == emailIdx || !values[i].Valid {
				continue
			}
			fields[name] = values[i].String
		}
		out = append(out, Recipient{Email: email, Fields: fields})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recipients query iteration failed: %w", err)
	}

	s.logger.Info("recipients loaded", "count", len(out), "skipped", skipped)
	return out, nil
}
