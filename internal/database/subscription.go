package database

import (
	"context"

	"github.com/steveyegge/strata/internal/writelog"
)

// Subscription waits for a transaction's reads to be invalidated by a
// later commit. Workers subscribe after draining their queues so that
// new work wakes them instead of a poll loop.
type Subscription struct {
	db    *Database
	token *writelog.Token
}

// Subscribe registers the token for invalidation.
func (db *Database) Subscribe(token *writelog.Token) *Subscription {
	return &Subscription{db: db, token: token}
}

// WaitForInvalidation blocks until a commit intersects the token's read
// set (or the token falls out of the write log's retention window, which
// invalidates it conservatively).
func (s *Subscription) WaitForInvalidation(ctx context.Context) error {
	token := s.token
	for {
		maxTS := s.db.logReader.MaxTS()
		refreshed, err := s.db.logReader.RefreshToken(token, maxTS)
		if err != nil {
			return err
		}
		if refreshed == nil {
			return nil
		}
		token = refreshed
		if _, err := s.db.logOwner.WaitForHigherTS(ctx, token.TS()); err != nil {
			return err
		}
	}
}
