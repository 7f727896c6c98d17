package recipient

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// CSVSource reads recipients from a CSV file. The header row names the
// fields; the email column is found by name (default "email") and every
// other column passes through as a named field.
type CSVSource struct {
	path        string
	emailColumn string
	logger      *slog.Logger
}

// NewCSVSource creates a CSV recipient source
func NewCSVSource(path, emailColumn string) *CSVSource {
	if emailColumn == "" {
		emailColumn = "email"
	}
	return &CSVSource{
		path:        path,
		emailColumn: emailColumn,
		logger:      slog.Default().With("component", "recipients-csv"),
	}
}

// Load reads up to limit recipients in file order, skipping rows with
// malformed addresses.
func (s *CSVSource) Load(limit int) ([]Recipient, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recipients file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read recipients header: %w", err)
	}
	emailIdx := -1
	for i, name := range header {
		if strings.EqualFold(strings.TrimSpace(name), s.emailColumn) {
			emailIdx = i
			break
		}
	}
	if emailIdx == -1 {
		return nil, fmt.Errorf("recipients file %s has no %q column", s.path, s.emailColumn)
	}

	var out []Recipient
	skipped := 0
	for limit <= 0 || len(out) < limit {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read recipients row: %w", err)
		}
		if emailIdx >= len(row) {
			skipped++
			continue
		}
		email := strings.TrimSpace(row[emailIdx])
		if err := ValidateEmail(email); err != nil {
			s.logger.Warn("skipping recipient", "error", err)
			skipped++
			continue
		}

		fields := make(map[string]string, len(header)-1)
		for i, name := range header {
			if i == emailIdx || i >= len(row) {
				continue
			}
			fields[strings.TrimSpace(name)] = strings.TrimSpace(row[i])
		}
		out = append(out, Recipient{Email: email, Fields: fields})
	}

	s.logger.Info("recipients loaded", "path", s.path, "count", len(out), "skipped", skipped)
	return out, nil
}
