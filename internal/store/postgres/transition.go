package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/cashbridge/internal/domain"
)

// resolveMiss explains why a conditional UPDATE matched no row: either the
// row is missing or its status was not one of the allowed sources.
func resolveMiss(ctx context.Context, q querier, table, keyCol, entity, id, target string) error {
	var current string
	err := q.QueryRow(ctx,
		fmt.Sprintf(`SELECT status FROM %s WHERE %s = $1`, table, keyCol), id,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("postgres: read %s %s status: %w", entity, id, err)
	}
	return &domain.TransitionError{Entity: entity, ID: id, Current: current, Target: target}
}

func statusStrings[S ~string](in []S) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
