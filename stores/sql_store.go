package stores

import (
	"context"
	"fmt"
	"sync"

	"github.com/oarkflow/access"
	"github.com/oarkflow/squealx"
)

var metaKey = map[string]any{"id": 1}

// SQLStore persists the directory, trust state and audit trail with squealx.
// Directory writes are bracketed by a begun/done counter pair so evaluations
// can tell whether their reads saw a single version.
type SQLStore struct {
	db *squealx.DB
	// serialises directory writers of this process; the counters assume
	// one writer per database at a time
	mu sync.Mutex
}

func NewSQLStore(db *squealx.DB) *SQLStore {
	return &SQLStore{db: db}
}

// DB exposes the handle, e.g. for running RLS-filtered queries.
func (s *SQLStore) DB() *squealx.DB { return s.db }

func (s *SQLStore) exec(ctx context.Context, q string, args map[string]any) (int64, error) {
	if args == nil {
		args = map[string]any{}
	}
	res, err := s.db.NamedExecContext(ctx, q, args)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// queryRows runs q and hands every row to fn.
func (s *SQLStore) queryRows(ctx context.Context, q string, args map[string]any, fn func(rowScanner) error) error {
	if args == nil {
		args = map[string]any{}
	}
	r, err := s.db.NamedQueryContext(ctx, q, args)
	if err != nil {
		return err
	}
	defer r.Close()
	for r.Next() {
		if err := fn(r); err != nil {
			return err
		}
	}
	return r.Err()
}

// queryOne is queryRows for a single row; no row yields a not-found error.
func (s *SQLStore) queryOne(ctx context.Context, kind, id, q string, args map[string]any, fn func(rowScanner) error) error {
	found := false
	err := s.queryRows(ctx, q, args, func(r rowScanner) error {
		found = true
		return fn(r)
	})
	if err != nil {
		return err
	}
	if !found {
		return notFound(kind, id)
	}
	return nil
}

// ----------------------------------------------------------------------------
// versioning
// ----------------------------------------------------------------------------

func (s *SQLStore) meta(ctx context.Context) (begun, done int64, err error) {
	err = s.queryOne(ctx, "directory meta", "1", `SELECT begun, done FROM directory_meta WHERE id = :id`, metaKey, func(r rowScanner) error {
		return r.Scan(&begun, &done)
	})
	return begun, done, err
}

// write runs fn between the two counter bumps. done is set to begun
// afterwards so a crashed write heals on the next one.
func (s *SQLStore) write(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.exec(ctx, `UPDATE directory_meta SET begun = begun + 1 WHERE id = :id`, metaKey); err != nil {
		return fmt.Errorf("begin directory write: %w", err)
	}
	err := fn()
	if _, derr := s.exec(context.WithoutCancel(ctx), `UPDATE directory_meta SET done = begun WHERE id = :id`, metaKey); derr != nil && err == nil {
		err = fmt.Errorf("finish directory write: %w", derr)
	}
	return err
}

// Version returns the last completed directory version.
func (s *SQLStore) Version() uint64 {
	_, done, err := s.meta(context.Background())
	if err != nil {
		return 0
	}
	return uint64(done)
}

// Snapshot pins the current version. The release func reports
// access.ErrSnapshotStale when a write began or finished in between.
func (s *SQLStore) Snapshot(ctx context.Context) (access.Directory, func() error, error) {
	begun, done, err := s.meta(ctx)
	if err != nil {
		return nil, nil, err
	}
	if begun != done {
		return nil, nil, access.ErrSnapshotStale
	}
	dir := &sqlDir{SQLStore: s, version: uint64(done)}
	release := func() error {
		b, d, err := s.meta(ctx)
		if err != nil {
			return err
		}
		if b != begun || d != done {
			return access.ErrSnapshotStale
		}
		return nil
	}
	return dir, release, nil
}

// sqlDir is a Directory whose Version is fixed at snapshot time.
type sqlDir struct {
	*SQLStore
	version uint64
}

func (d *sqlDir) Version() uint64 { return d.version }

var (
	_ access.Store          = (*SQLStore)(nil)
	_ access.MFAMethodStore = (*SQLStore)(nil)
	_ access.ChallengeStore = (*SQLStore)(nil)
	_ access.DeviceStore    = (*SQLStore)(nil)
	_ access.SessionStore   = (*SQLStore)(nil)
	_ access.AuditStore     = (*SQLStore)(nil)
	_ access.Directory      = (*sqlDir)(nil)
)
