package db

import (
	"context"
	_ "embed"
	"fmt"
)

// schema.sql creates every table the services query. All statements are
// idempotent.
//
//go:embed schema.sql
var schemaSQL string

func Migrate(ctx context.Context, q Querier) error {
	if _, err := q.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
