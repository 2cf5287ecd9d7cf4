package repository

import (
	"context"
	"fmt"
)

// LogIndexingError records that a range failed processing, so an
// operator can see why a target keeps retrying instead of only seeing
// it reappear in toRetry. Rows are deduplicated on (importKey, range,
// errorClass): retrying the same failure a hundred times writes it once,
// modeled on the teacher's ON CONFLICT DO NOTHING dedup for
// raw.indexing_errors.
func (r *Repository) LogIndexingError(ctx context.Context, importKey string, from, to int64, errorClass, message string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO indexing_errors (import_key, range_from, range_to, error_class, error_message)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (import_key, range_from, range_to, error_class) DO NOTHING`,
		importKey, from, to, errorClass, message,
	)
	if err != nil {
		return fmt.Errorf("log indexing error for %s: %w", importKey, err)
	}
	return nil
}
