// Package sqlstore persists entities and their leases in SQLite or Postgres.
// Entities are stored as JSON payloads next to the columns the engine
// queries on; leases live in their own table and are claimed with
// conditional upserts so that concurrent runtime instances never lease the
// same entity twice.
package sqlstore

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strings"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/goliatone/go-errors"
	"github.com/jmoiron/sqlx"

	"github.com/goliatone/go-statemachine/clock"
	"github.com/goliatone/go-statemachine/entity"
	"github.com/goliatone/go-statemachine/lease"
)

type options struct {
	clock         clock.Clock
	holderID      string
	leaseDuration time.Duration
}

// Option configures a Store.
type Option func(*options)

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithHolderID sets the identity leases are claimed under. Defaults to a
// random UUID.
func WithHolderID(id string) Option {
	return func(o *options) {
		if id != "" {
			o.holderID = id
		}
	}
}

func WithLeaseDuration(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.leaseDuration = d
		}
	}
}

// Store implements entity.Store for one entity kind.
type Store[E entity.Stateful] struct {
	db            *sqlx.DB
	dialect       Dialect
	kind          string
	clock         clock.Clock
	holderID      string
	leaseDuration time.Duration
}

func New[E entity.Stateful](db *sqlx.DB, kind string, opts ...Option) (*Store[E], error) {
	if db == nil {
		return nil, apperrors.New("sql store requires a database handle", apperrors.CategoryBadInput)
	}
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return nil, apperrors.New("sql store requires an entity kind", apperrors.CategoryBadInput)
	}
	dialect, err := DialectOf(db)
	if err != nil {
		return nil, err
	}
	o := options{leaseDuration: lease.DefaultDuration}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.holderID == "" {
		o.holderID = uuid.NewString()
	}
	return &Store[E]{
		db:            db,
		dialect:       dialect,
		kind:          kind,
		clock:         clock.Normalize(o.clock),
		holderID:      o.holderID,
		leaseDuration: o.leaseDuration,
	}, nil
}

// HolderID is the identity leases are claimed under.
func (s *Store[E]) HolderID() string { return s.holderID }

// Kind is the entity kind this store reads and writes.
func (s *Store[E]) Kind() string { return s.kind }

// ForHolder returns a store sharing the database that claims under another
// holder id.
func (s *Store[E]) ForHolder(holderID string) *Store[E] {
	cp := *s
	cp.holderID = holderID
	return &cp
}

func (s *Store[E]) NextNotLeased(ctx context.Context, batch int, criteria ...entity.Criterion) ([]E, error) {
	where, whereArgs, err := whereClause(s.dialect, criteria)
	if err != nil {
		return nil, err
	}
	if batch <= 0 {
		return nil, nil
	}

	var out []E
	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		now := s.now()
		query := `SELECT e.id FROM sm_entities e
			WHERE e.kind = ?
			AND NOT EXISTS (
				SELECT 1 FROM sm_leases l
				WHERE l.kind = e.kind AND l.entity_id = e.id AND l.leased_at + l.lease_duration > ?
			)`
		if where != "" {
			query += " AND " + where
		}
		query += " ORDER BY e.state_timestamp ASC, e.id ASC LIMIT ?" + s.dialect.lockClause

		args := make([]any, 0, len(whereArgs)+3)
		args = append(args, s.kind, now)
		args = append(args, whereArgs...)
		args = append(args, batch)

		var ids []string
		if err := tx.SelectContext(ctx, &ids, tx.Rebind(query), args...); err != nil {
			return dbError(err, "select candidates")
		}

		claimed := make([]string, 0, len(ids))
		for _, id := range ids {
			if err := s.acquire(ctx, tx, id, now); err != nil {
				if entity.IsLeased(err) {
					continue
				}
				return err
			}
			claimed = append(claimed, id)
		}
		if len(claimed) == 0 {
			return nil
		}
		out, err = s.loadMany(ctx, tx, claimed)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store[E]) FindByIDAndLease(ctx context.Context, id string) (E, error) {
	var out E
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		payload, err := s.loadOne(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.acquire(ctx, tx, id, s.now()); err != nil {
			return err
		}
		out, err = entity.Decode[E]([]byte(payload))
		return err
	})
	return out, err
}

func (s *Store[E]) FindByID(ctx context.Context, id string) (E, error) {
	var zero E
	payload, err := s.loadOne(ctx, s.db, id)
	if err != nil {
		return zero, err
	}
	return entity.Decode[E]([]byte(payload))
}

func (s *Store[E]) Save(ctx context.Context, e E) error {
	return s.write(ctx, e, false)
}

func (s *Store[E]) Update(ctx context.Context, e E) error {
	return s.write(ctx, e, true)
}

func (s *Store[E]) write(ctx context.Context, e E, mustExist bool) error {
	base := e.Entity()
	if err := entity.Validate(base); err != nil {
		return err
	}
	payload, err := entity.Encode(e)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if mustExist {
			if _, err := s.loadOne(ctx, tx, base.ID); err != nil {
				return err
			}
		}
		if err := s.acquire(ctx, tx, base.ID, s.now()); err != nil {
			return err
		}
		upsert := `INSERT INTO sm_entities
			(id, kind, state, state_count, state_timestamp, created_at, updated_at, error_detail, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (kind, id) DO UPDATE SET
				state = excluded.state,
				state_count = excluded.state_count,
				state_timestamp = excluded.state_timestamp,
				created_at = excluded.created_at,
				updated_at = excluded.updated_at,
				error_detail = excluded.error_detail,
				payload = excluded.payload`
		if _, err := tx.ExecContext(ctx, tx.Rebind(upsert),
			base.ID,
			s.kind,
			base.State,
			base.StateCount,
			base.StateTimestamp,
			base.CreatedAt,
			base.UpdatedAt,
			base.ErrorDetail,
			string(payload),
		); err != nil {
			return dbError(err, "save entity")
		}
		release := `DELETE FROM sm_leases WHERE kind = ? AND entity_id = ? AND holder_id = ?`
		if _, err := tx.ExecContext(ctx, tx.Rebind(release), s.kind, base.ID, s.holderID); err != nil {
			return dbError(err, "release lease")
		}
		return nil
	})
}

func (s *Store[E]) BreakLease(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		current, ok, err := s.leaseFor(ctx, tx, id)
		if err != nil || !ok {
			return err
		}
		if current.HolderID != s.holderID && !current.Expired(s.clock.Now()) {
			return entity.Leased(id, current.HolderID)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM sm_leases WHERE kind = ? AND entity_id = ?`), s.kind, id); err != nil {
			return dbError(err, "break lease")
		}
		return nil
	})
}

// Lease returns the unexpired lease on id, if any.
func (s *Store[E]) Lease(ctx context.Context, id string) (lease.Lease, bool, error) {
	current, ok, err := s.leaseFor(ctx, s.db, id)
	if err != nil || !ok {
		return lease.Lease{}, false, err
	}
	if current.Expired(s.clock.Now()) {
		return lease.Lease{}, false, nil
	}
	return current, true, nil
}

// List returns matching entities without leasing them. limit <= 0 means all.
func (s *Store[E]) List(ctx context.Context, limit int, criteria ...entity.Criterion) ([]E, error) {
	where, whereArgs, err := whereClause(s.dialect, criteria)
	if err != nil {
		return nil, err
	}
	query := `SELECT e.payload FROM sm_entities e WHERE e.kind = ?`
	if where != "" {
		query += " AND " + where
	}
	query += " ORDER BY e.state_timestamp ASC, e.id ASC"
	args := append([]any{s.kind}, whereArgs...)
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var payloads []string
	if err := s.db.SelectContext(ctx, &payloads, s.db.Rebind(query), args...); err != nil {
		return nil, dbError(err, "list entities")
	}
	return decodeAll[E](payloads)
}

// PurgeExpiredLeases deletes expired lease rows.
func (s *Store[E]) PurgeExpiredLeases(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM sm_leases WHERE kind = ? AND leased_at + lease_duration <= ?`), s.kind, s.now())
	if err != nil {
		return 0, dbError(err, "purge leases")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// acquire claims or refreshes the lease on id. The upsert only overwrites
// a lease this holder already owns or one that has expired.
func (s *Store[E]) acquire(ctx context.Context, tx *sqlx.Tx, id string, now int64) error {
	upsert := `INSERT INTO sm_leases (kind, entity_id, holder_id, leased_at, lease_duration)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (kind, entity_id) DO UPDATE SET
			holder_id = excluded.holder_id,
			leased_at = excluded.leased_at,
			lease_duration = excluded.lease_duration
		WHERE sm_leases.holder_id = excluded.holder_id
			OR sm_leases.leased_at + sm_leases.lease_duration <= ?`
	res, err := tx.ExecContext(ctx, tx.Rebind(upsert), s.kind, id, s.holderID, now, s.leaseDuration.Milliseconds(), now)
	if err != nil {
		return dbError(err, "acquire lease")
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}
	holder := ""
	if current, ok, err := s.leaseFor(ctx, tx, id); err == nil && ok {
		holder = current.HolderID
	}
	return entity.Leased(id, holder)
}

type leaseRow struct {
	HolderID string `db:"holder_id"`
	LeasedAt int64  `db:"leased_at"`
	Duration int64  `db:"lease_duration"`
}

func (s *Store[E]) leaseFor(ctx context.Context, q sqlx.ExtContext, id string) (lease.Lease, bool, error) {
	var row leaseRow
	query := q.Rebind(`SELECT holder_id, leased_at, lease_duration FROM sm_leases WHERE kind = ? AND entity_id = ?`)
	if err := sqlx.GetContext(ctx, q, &row, query, s.kind, id); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return lease.Lease{}, false, nil
		}
		return lease.Lease{}, false, dbError(err, "load lease")
	}
	return lease.Lease{
		EntityID: id,
		HolderID: row.HolderID,
		LeasedAt: row.LeasedAt,
		Duration: time.Duration(row.Duration) * time.Millisecond,
	}, true, nil
}

func (s *Store[E]) loadOne(ctx context.Context, q sqlx.ExtContext, id string) (string, error) {
	var payload string
	query := q.Rebind(`SELECT payload FROM sm_entities WHERE id = ? AND kind = ?`)
	if err := sqlx.GetContext(ctx, q, &payload, query, id, s.kind); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return "", entity.NotFound(id)
		}
		return "", dbError(err, "load entity")
	}
	return payload, nil
}

func (s *Store[E]) loadMany(ctx context.Context, tx *sqlx.Tx, ids []string) ([]E, error) {
	query, args, err := sqlx.In(`SELECT e.payload FROM sm_entities e
		WHERE e.kind = ? AND e.id IN (?)
		ORDER BY e.state_timestamp ASC, e.id ASC`, s.kind, ids)
	if err != nil {
		return nil, dbError(err, "expand ids")
	}
	var payloads []string
	if err := tx.SelectContext(ctx, &payloads, tx.Rebind(query), args...); err != nil {
		return nil, dbError(err, "load claimed entities")
	}
	return decodeAll[E](payloads)
}

func (s *Store[E]) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return dbError(err, "begin transaction")
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return dbError(err, "commit transaction")
	}
	tx = nil
	return nil
}

func (s *Store[E]) now() int64 {
	return s.clock.Now().UnixMilli()
}

func decodeAll[E entity.Stateful](payloads []string) ([]E, error) {
	out := make([]E, 0, len(payloads))
	for _, p := range payloads {
		e, err := entity.Decode[E]([]byte(p))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func dbError(err error, op string) error {
	if err == nil || entity.ErrorCode(err) != "" {
		return err
	}
	return apperrors.Wrap(err, apperrors.CategoryExternal, "sql store: "+op).
		WithTextCode("SQLSTORE_QUERY_FAILED")
}
