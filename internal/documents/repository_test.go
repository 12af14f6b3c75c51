package documents

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/atelier-erp/atelier-erp/internal/sequence"
)

func TestAsConflictRewrapsSerializationFailures(t *testing.T) {
	for _, code := range []string{"40001", "40P01"} {
		err := asConflict(fmt.Errorf("platform/db: commit tx: %w", &pgconn.PgError{Code: code}))
		require.ErrorIs(t, err, sequence.ErrConflict, "code %s", code)
	}

	unique := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	require.NotErrorIs(t, asConflict(unique), sequence.ErrConflict)

	plain := errors.New("connection reset")
	require.Equal(t, plain, asConflict(plain))
	require.NoError(t, asConflict(nil))
}
