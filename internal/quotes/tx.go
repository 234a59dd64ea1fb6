package quotes

import (
	"context"
	"database/sql"
)

// Execer is the subset of *sql.DB / *sql.Tx needed to accept a quote,
// so job creation can consume a quote inside its own transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AcceptIn transitions a pending, unexpired quote to accepted using the
// given executor. The status and deadline guards live in the UPDATE
// itself, so two concurrent accepts cannot both win.
func AcceptIn(ctx context.Context, q Execer, id string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE price_quotes
		SET status = 'accepted', accepted_at = NOW()
		WHERE id = $1 AND status = 'pending' AND valid_until > NOW()`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrQuoteNotUsable
	}
	return nil
}
