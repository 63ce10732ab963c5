package adapters

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/fieldops/safesync/internal/entity"
	"github.com/fieldops/safesync/internal/syncerr"
)

// ERPDB exposes read-only typed queries against the ERP database.
// Every query runs with a statement timeout; nothing here ever writes.
type ERPDB struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// OpenERP creates the pooled connection. Pool sizing mirrors what the
// ERP side tolerates: bounded, recycled hourly, health-checked.
func OpenERP(ctx context.Context, dsn string) (*ERPDB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("erp connection pool created")

	return &ERPDB{pool: pool, queryTimeout: 30 * time.Second}, nil
}

// Close releases the pool.
func (e *ERPDB) Close() {
	e.pool.Close()
}

// Ping probes connectivity for the readiness endpoint.
func (e *ERPDB) Ping(ctx context.Context) error {
	return e.pool.Ping(ctx)
}

// Query runs a read-only statement under the query timeout. collect must
// fully consume the rows before returning: the timeout context governs
// the whole result stream, so it is released only after collect is done.
func (e *ERPDB) Query(ctx context.Context, sqlText string, collect func(pgx.Rows) error, args ...any) error {
	qctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()
	rows, err := e.pool.Query(qctx, sqlText, args...)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeDependency, "erp query", err)
	}
	defer rows.Close()
	return collect(rows)
}

// Transaction runs fn inside a read-only transaction confined to a single
// syncer step.
func (e *ERPDB) Transaction(ctx context.Context, fn func(pgx.Tx) error) error {
	qctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()
	tx, err := e.pool.BeginTx(qctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return syncerr.Wrap(syncerr.CodeDependency, "erp begin tx", err)
	}
	defer tx.Rollback(qctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(qctx)
}

// listQueries maps entity types to their source queries. Ordering by id
// keeps list output deterministic without a sort on the Go side, but we
// still sort defensively after scanning.
var listQueries = map[entity.Type]string{
	entity.TypeEmployee: `
		SELECT e.employee_id, e.first_name, e.last_name, e.email, e.phone,
		       COALESCE(t.name, ''), COALESCE(d.name, ''), COALESCE(s.code, '')
		FROM employees e
		LEFT JOIN titles t ON t.id = e.title_id
		LEFT JOIN departments d ON d.id = e.department_id
		LEFT JOIN sites s ON s.id = e.site_id
		WHERE e.active
		ORDER BY e.employee_id`,
	entity.TypeDepartment: `SELECT id::text, name FROM departments ORDER BY id`,
	entity.TypeTitle:      `SELECT id::text, name FROM titles ORDER BY id`,
	entity.TypeAssetType:  `SELECT id::text, name FROM asset_types ORDER BY id`,
	entity.TypeSite:       `SELECT code, name, COALESCE(address, '') FROM sites ORDER BY code`,
	entity.TypeJob: `
		SELECT j.job_number, j.name, COALESCE(s.code, ''), j.status
		FROM jobs j
		LEFT JOIN sites s ON s.id = j.site_id
		ORDER BY j.job_number`,
}

// ListAll reads one entity type from the ERP.
func (e *ERPDB) ListAll(ctx context.Context, typ entity.Type) ([]entity.Record, error) {
	sqlText, ok := listQueries[typ]
	if !ok {
		return nil, syncerr.New(syncerr.CodeInternal, fmt.Sprintf("erp adapter cannot list %q", typ))
	}
	var out []entity.Record
	err := e.Query(ctx, sqlText, func(rows pgx.Rows) error {
		recs, err := readRecords(typ, rows)
		out = recs
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID() < out[j].EntityID() })
	return out, nil
}

// readRecords drains rows into typed records. The caller keeps the query
// context alive until this returns.
func readRecords(typ entity.Type, rows pgx.Rows) ([]entity.Record, error) {
	var out []entity.Record
	for rows.Next() {
		rec, err := scanRecord(typ, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Wrap(syncerr.CodeDependency, "erp rows", err)
	}
	return out, nil
}

// GetByID filters the full listing; the ERP views are small and the
// listing is cached upstream of this adapter.
func (e *ERPDB) GetByID(ctx context.Context, typ entity.Type, id string) (entity.Record, error) {
	all, err := e.ListAll(ctx, typ)
	if err != nil {
		return nil, err
	}
	for _, rec := range all {
		if rec.EntityID() == id {
			return rec, nil
		}
	}
	return nil, nil
}

func scanRecord(typ entity.Type, rows pgx.Rows) (entity.Record, error) {
	switch typ {
	case entity.TypeEmployee:
		var emp entity.Employee
		if err := rows.Scan(&emp.ID, &emp.FirstName, &emp.LastName, &emp.Email,
			&emp.Phone, &emp.Title, &emp.Department, &emp.Site); err != nil {
			return nil, syncerr.Wrap(syncerr.CodeDependency, "scan employee", err)
		}
		return &emp, nil
	case entity.TypeSite:
		var s entity.Site
		if err := rows.Scan(&s.ID, &s.Name, &s.Address); err != nil {
			return nil, syncerr.Wrap(syncerr.CodeDependency, "scan site", err)
		}
		return &s, nil
	case entity.TypeJob:
		var j entity.Job
		if err := rows.Scan(&j.ID, &j.Name, &j.Site, &j.Status); err != nil {
			return nil, syncerr.Wrap(syncerr.CodeDependency, "scan job", err)
		}
		return &j, nil
	default:
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, syncerr.Wrap(syncerr.CodeDependency, "scan "+string(typ), err)
		}
		rec, err := entity.NewRecord(typ, id)
		if err != nil {
			return nil, err
		}
		rec.SetField("name", name)
		return rec, nil
	}
}
