package sqlite

import "database/sql"

// ExecForTest runs raw SQL against the store, bypassing the Store API.
func ExecForTest(s *Store, query string, args ...any) (sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Exec(query, args...)
}
