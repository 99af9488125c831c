package reqpool

import (
	"context"
	"time"

	"proof-orchestrator/internal/models"
)

const defaultPageSize = 128

// Filter selects records for List. Zero values match everything.
type Filter struct {
	Statuses      []models.TaskStatus
	Backend       models.ProofKind // matches the assigned backend, or the requested kind before assignment
	UpdatedBefore time.Time
	CreatedBefore time.Time
	Aggregate     *bool

	// Cursor resumes after this fingerprint
	Cursor   models.Fingerprint
	PageSize int
}

// Match reports whether rec passes the filter
func (f Filter) Match(rec *models.TaskRecord) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if rec.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Backend != "" {
		backend := rec.AssignedBackend
		if backend == "" {
			backend = rec.Request.ProofKind
		}
		if backend != f.Backend {
			return false
		}
	}
	if !f.UpdatedBefore.IsZero() && !rec.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !rec.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if f.Aggregate != nil && rec.IsAggregate() != *f.Aggregate {
		return false
	}
	return true
}

// Iterator lazy, finite walk over the store in fingerprint order. Records
// inserted behind the cursor during the walk are not revisited, so a walk
// always terminates. Restart a walk from Cursor().
type Iterator struct {
	pool   *Pool
	filter Filter
	cursor models.Fingerprint
	page   []*models.TaskRecord
	done   bool
}

// List start a walk over records matching filter
func (p *Pool) List(filter Filter) *Iterator {
	if filter.PageSize <= 0 {
		filter.PageSize = defaultPageSize
	}
	return &Iterator{pool: p, filter: filter, cursor: filter.Cursor}
}

// Next next matching record; ok is false once the walk is exhausted
func (it *Iterator) Next(ctx context.Context) (*models.TaskRecord, bool, error) {
	for {
		for len(it.page) > 0 {
			rec := it.page[0]
			it.page = it.page[1:]
			it.cursor = rec.Fingerprint
			if it.filter.Match(rec) {
				return rec, true, nil
			}
		}
		if it.done {
			return nil, false, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		page, err := it.pool.store.Scan(ctx, it.cursor, it.filter.PageSize)
		if err != nil {
			return nil, false, err
		}
		if len(page) < it.filter.PageSize {
			it.done = true
		}
		it.page = page
	}
}

// Cursor fingerprint of the last record consumed; pass it back as
// Filter.Cursor to resume
func (it *Iterator) Cursor() models.Fingerprint {
	return it.cursor
}

// Collect read up to limit matching records (all when limit <= 0)
func (it *Iterator) Collect(ctx context.Context, limit int) ([]*models.TaskRecord, error) {
	var out []*models.TaskRecord
	for limit <= 0 || len(out) < limit {
		rec, ok, err := it.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			break
		}
		out = append(out, rec)
	}
	return out, nil
}

// More reports whether the walk may still yield records
func (it *Iterator) More() bool {
	return len(it.page) > 0 || !it.done
}
