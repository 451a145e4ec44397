package postgres

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/omnitask/internal/domain"
)

// scannable is satisfied by pgx.Row and pgx.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// pgTextArray keeps TEXT[] NOT NULL columns from receiving NULL.
func pgTextArray(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// notFoundWrap prefixes err with the formatted operation. A missing row
// becomes domain.ErrNotFound so handlers can answer 404.
func notFoundWrap(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		err = domain.ErrNotFound
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// jsonOrNull marshals v for a nullable JSONB column. A nil pointer yields SQL NULL.
func jsonOrNull[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// decodeJSON unmarshals a nullable JSONB column into a fresh value.
func decodeJSON[T any](raw []byte) (*T, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// newID returns a UUIDv7 so primary keys sort by creation time.
func newID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
