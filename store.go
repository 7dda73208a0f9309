package sqlmeta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
)

// ErrTooManyParams is returned when a statement needs more parameters than
// the dialect accepts.
var ErrTooManyParams = errors.New("sqlmeta: too many parameters")

// Store executes the compiled statements of T against a database and keeps
// the entity cache coherent with every write.
type Store[T any] struct {
	d       *Descriptor[T]
	db      ExecQueryer
	dialect Dialect
	logger  *slog.Logger
}

// NewStore loads the descriptor of T from r and binds it to db.
func NewStore[T any](ctx context.Context, r *Registry, db ExecQueryer) (*Store[T], error) {
	d, err := Load[T](ctx, r)
	if err != nil {
		return nil, err
	}
	return &Store[T]{d: d, db: db, dialect: r.dialect, logger: r.c.logger}, nil
}

// Descriptor returns the descriptor the store runs.
func (s *Store[T]) Descriptor() *Descriptor[T] { return s.d }

// Insert writes entities in order. Client-generated keys are assigned to
// entities whose key is zero; database-generated keys are read back where
// the driver reports them. lib/pq never does; such entities keep their
// zero key and stay out of the cache. A missing sharded table is created from the
// logical table and the insert retried once.
func (s *Store[T]) Insert(ctx context.Context, entities ...*T) error {
	for _, e := range entities {
		if e == nil {
			return ErrNilEntity
		}
		if s.d.uuidKey && isZero(s.d.primary.Get(e)) {
			if err := s.d.CreatePrimaryValue(e); err != nil {
				return err
			}
		}
		if s.d.IsVirtual() {
			s.d.cache.Insert(e)
			continue
		}

		table := s.d.TableByEntity(e)
		q, args := s.d.InsertSQL(e), s.d.InsertArgs(e)
		res, err := s.exec(ctx, q, args)
		if err != nil && s.sharded(table) && s.d.IsTableMissing(err) {
			if err = s.createTable(ctx, table); err != nil {
				return err
			}
			res, err = s.exec(ctx, q, args)
		}
		if err != nil {
			return err
		}
		s.d.MarkTable(table)

		keyed := true
		if s.d.autoGenerated {
			id, err := res.LastInsertId()
			if err != nil {
				keyed = false
				s.logger.WarnContext(ctx, "sqlmeta: generated key not reported", "entity", s.d.name, "error", err)
			} else if err := s.d.primary.Set(e, id); err != nil {
				return err
			}
		}
		if s.d.cache != nil && keyed {
			s.d.cache.Insert(e)
		}
	}
	return nil
}

// Update rewrites every updatable column of e and returns the number of
// affected rows.
func (s *Store[T]) Update(ctx context.Context, e *T) (int64, error) {
	if e == nil {
		return 0, ErrNilEntity
	}
	if s.d.IsVirtual() {
		if s.d.cache.Update(e) {
			return 1, nil
		}
		return 0, nil
	}
	if s.d.updateSQL == "" {
		return 0, fmt.Errorf("%w: %s has no updatable fields", ErrFieldNotFound, s.d.name)
	}
	table := s.d.TableByEntity(e)
	n, err := s.affected(s.exec(ctx, s.d.UpdateSQL(e), s.d.UpdateArgs(e)))
	if err != nil {
		if s.sharded(table) && s.d.IsTableMissing(err) {
			return 0, nil
		}
		return 0, err
	}
	if s.d.cache != nil && n > 0 {
		s.d.cache.Update(e)
	}
	return n, nil
}

// UpdateColumn applies cv to one column of the row with the given key.
func (s *Store[T]) UpdateColumn(ctx context.Context, key any, field string, cv ColumnValue) (int64, error) {
	k, err := s.d.normalizeKey(key)
	if err != nil {
		return 0, err
	}
	if s.d.IsVirtual() {
		e, err := s.d.cache.UpdateColumn(k, field, cv)
		if err != nil || e == nil {
			return 0, err
		}
		return 1, nil
	}
	q, args, err := s.d.UpdateColumnSQL(k, field, cv)
	if err != nil {
		return 0, err
	}
	n, err := s.affected(s.exec(ctx, q, args))
	if err != nil {
		if s.sharded(s.d.TableByKey(k)) && s.d.IsTableMissing(err) {
			return 0, nil
		}
		return 0, err
	}
	if s.d.cache != nil && n > 0 {
		e, err := s.d.cache.UpdateColumn(k, field, cv)
		// A row the cache cannot update, or one the running load may have
		// read before this update, is re-read from the database.
		if err != nil || (e == nil && !s.d.cache.FullLoaded()) {
			fresh, ferr := s.fetch(ctx, k)
			if ferr == nil {
				s.d.cache.Insert(fresh)
			} else if err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

// Delete removes the row with the given key.
func (s *Store[T]) Delete(ctx context.Context, key any) (int64, error) {
	k, err := s.d.normalizeKey(key)
	if err != nil {
		return 0, err
	}
	if s.d.IsVirtual() {
		if s.d.cache.Delete(k) {
			return 1, nil
		}
		return 0, nil
	}
	n, err := s.affected(s.exec(ctx, s.d.DeleteByKeySQL(k), []any{k}))
	if err != nil {
		if s.sharded(s.d.TableByKey(k)) && s.d.IsTableMissing(err) {
			return 0, nil
		}
		return 0, err
	}
	if s.d.cache != nil {
		s.d.cache.Delete(k)
	}
	return n, nil
}

// Find returns the entity with the given key, answering from the cache when
// it is fully loaded. It returns sql.ErrNoRows when there is no such row.
func (s *Store[T]) Find(ctx context.Context, key any) (*T, error) {
	k, err := s.d.normalizeKey(key)
	if err != nil {
		return nil, err
	}
	if s.d.CacheFullLoaded() {
		if e, ok := s.d.cache.Find(k); ok {
			return e, nil
		}
		return nil, sql.ErrNoRows
	}
	if s.d.IsVirtual() {
		return nil, ErrCacheNotLoaded
	}
	return s.fetch(ctx, k)
}

// fetch reads the row with key k from the database.
func (s *Store[T]) fetch(ctx context.Context, k any) (*T, error) {
	q := s.d.QuerySQL(k)
	rows, err := s.query(ctx, q, []any{k})
	if err != nil {
		if s.sharded(s.d.TableByKey(k)) && s.d.IsTableMissing(err) {
			return nil, sql.ErrNoRows
		}
		return nil, err
	}
	defer rows.Close()

	cur, err := NewRowCursor(rows)
	if err != nil {
		return nil, err
	}
	if !cur.Next() {
		if err := cur.Err(); err != nil {
			return nil, err
		}
		return nil, sql.ErrNoRows
	}
	e, err := s.d.Materialize(nil, cur.Row())
	if err != nil {
		return nil, err
	}

	// Must be at most ONE row
	if cur.Next() {
		return nil, ErrMoreThanOneRow
	}
	return e, cur.Err()
}

// FindAll returns the entities matching f ordered by sortSpec, reading only
// the fields sel accepts (all when nil). A fully loaded cache answers
// instead of the database and ignores sel.
func (s *Store[T]) FindAll(ctx context.Context, f *Filter, sortSpec string, sel Selection) ([]*T, error) {
	if s.d.CacheFullLoaded() {
		return s.d.cache.FindAll(f, sortSpec), nil
	}
	if s.d.IsVirtual() {
		return nil, ErrCacheNotLoaded
	}

	table := s.d.TableByFilter(f)
	where, args, err := s.d.Where(TableAlias, f)
	if err != nil {
		return nil, err
	}
	if limit := maxParams(s.dialect); len(args) > limit {
		return nil, fmt.Errorf("%w: requested=%d, limit=%d", ErrTooManyParams, len(args), limit)
	}
	q := "SELECT " + TableAlias + ".* FROM " + table + " " + TableAlias
	if where != "" {
		q += " WHERE " + where
	}
	q += s.d.OrderBy(sortSpec)

	rows, err := s.query(ctx, q, args)
	if err != nil {
		if s.sharded(table) && s.d.IsTableMissing(err) {
			return nil, nil
		}
		return nil, err
	}
	cur, err := NewRowCursor(rows)
	if err != nil {
		rows.Close()
		return nil, err
	}
	return s.d.MaterializeAll(sel, cur)
}

// createTable copies the structure of the logical table into table.
func (s *Store[T]) createTable(ctx context.Context, table string) error {
	q := s.d.TableCopySQL(table, s.d.table)
	if _, err := s.exec(ctx, q, nil); err != nil {
		return fmt.Errorf("sqlmeta: create table %s: %w", table, err)
	}
	s.logger.InfoContext(ctx, "sqlmeta: table created", "entity", s.d.name, "table", table)
	return nil
}

// sharded reports whether table is a strategy-derived physical table.
func (s *Store[T]) sharded(table string) bool {
	return s.d.strategy != nil && table != s.d.table
}

func (s *Store[T]) exec(ctx context.Context, q string, args []any) (sql.Result, error) {
	q = Rebind(s.dialect, q)
	s.trace(ctx, q, args)
	return s.db.ExecContext(ctx, q, args...)
}

func (s *Store[T]) query(ctx context.Context, q string, args []any) (*sql.Rows, error) {
	q = Rebind(s.dialect, q)
	s.trace(ctx, q, args)
	return s.db.QueryContext(ctx, q, args...)
}

func (s *Store[T]) affected(res sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store[T]) trace(ctx context.Context, q string, args []any) {
	if s.d.Loggable(slog.LevelDebug) {
		s.logger.DebugContext(ctx, "sqlmeta: statement", "entity", s.d.name, "sql", q, "args", len(args))
	}
}

// maxParams returns the bound parameter limit of the dialect.
func maxParams(d Dialect) int {
	switch d {
	case SQLServer:
		return 2100
	case SQLite:
		return 999
	default:
		return 65535
	}
}

func isZero(v any) bool {
	return v == nil || reflect.ValueOf(v).IsZero()
}
