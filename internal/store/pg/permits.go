package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ptw.org/internal/permit"
)

// maxNumberAttempts bounds retries when two writers race for the same
// site number.
const maxNumberAttempts = 5

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const permitColumns = `id, site_code, seq, numero, turbine_code, description, maintenance_type,
		crew_lead_id, crew_lead_name, created_by, state, version, approved_by, approved_at,
		created_at, updated_at`

func (s *Store) CreatePermit(ctx context.Context, p *permit.Permit) error {
	for attempt := 1; ; attempt++ {
		err := s.createPermit(ctx, p)
		switch {
		case err == nil:
			return nil
		case attempt < maxNumberAttempts && (isUniqueViolation(err, "permits_site_seq_key") ||
			isUniqueViolation(err, "permits_numero_key") || isSerializationFailure(err)):
			continue
		case isForeignKeyViolation(err):
			return &permit.ValidationError{Fields: map[string]string{"planta": "unknown site"}}
		case isUniqueViolation(err, "permits_pkey"):
			return fmt.Errorf("%w: duplicate permit id", permit.ErrConflict)
		default:
			return err
		}
	}
}

func (s *Store) createPermit(ctx context.Context, p *permit.Permit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Serialize numbering per site; the unique (site_code, seq) constraint
	// remains the final guard.
	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock(hashtext($1))`, p.Site); err != nil {
		return err
	}
	var seq int
	if err := tx.QueryRowContext(ctx, `select coalesce(max(seq), 0) + 1 from permits where site_code = $1`, p.Site).Scan(&seq); err != nil {
		return err
	}
	numero := permit.FormatNumero(p.Site, seq)
	if _, err := tx.ExecContext(ctx, `
		insert into permits (id, site_code, seq, numero, turbine_code, description, maintenance_type,
			crew_lead_id, crew_lead_name, created_by, state, version, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, p.ID, p.Site, seq, numero, p.Turbine, p.Description, p.MaintenanceType,
		p.CrewLeadID, p.CrewLeadName, p.CreatedBy, string(p.State), p.Version, p.CreatedAt, p.UpdatedAt); err != nil {
		return err
	}
	if err := insertAssociations(ctx, tx, p); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	p.Seq = seq
	p.Numero = numero
	return nil
}

func (s *Store) GetPermit(ctx context.Context, id string) (*permit.Permit, error) {
	row := s.db.QueryRowContext(ctx, `select `+permitColumns+` from permits where id = $1`, id)
	p, err := scanPermit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, permit.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := loadAssociations(ctx, s.db, p); err != nil {
		return nil, err
	}
	if err := loadClosure(ctx, s.db, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ListPermits returns headers with personnel, newest number first per site.
// Activities, risks and closures are only loaded by GetPermit.
func (s *Store) ListPermits(ctx context.Context, f permit.Filter) ([]*permit.Permit, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+permitColumns+`
		from permits
		where ($1 = '' or site_code = $1) and ($2 = '' or state = $2)
		order by site_code, seq desc
	`, f.Site, string(f.State))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*permit.Permit
	byID := map[string]*permit.Permit{}
	for rows.Next() {
		p, err := scanPermit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
		byID[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	prow, err := s.db.QueryContext(ctx, `
		select pp.permit_id, pp.person_id, pp.name, pp.role
		from permit_personnel pp
		join permits p on p.id = pp.permit_id
		where ($1 = '' or p.site_code = $1) and ($2 = '' or p.state = $2)
		order by pp.permit_id, pp.position
	`, f.Site, string(f.State))
	if err != nil {
		return nil, err
	}
	defer prow.Close()
	for prow.Next() {
		var permitID string
		var person permit.Person
		if err := prow.Scan(&permitID, &person.PersonID, &person.Name, &person.Role); err != nil {
			return nil, err
		}
		if p, ok := byID[permitID]; ok {
			p.Personnel = append(p.Personnel, person)
		}
	}
	return out, prow.Err()
}

// SavePermit updates the header guarded by version and rewrites the selected
// child collections in the same transaction.
func (s *Store) SavePermit(ctx context.Context, p *permit.Permit, expectedVersion int64, opts permit.SaveOptions) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update permits
		set state = $2, version = $3, approved_by = $4, approved_at = $5, updated_at = $6
		where id = $1 and version = $7
	`, p.ID, string(p.State), p.Version, nullIfEmpty(p.ApprovedBy), nullTime(p.ApprovedAt), p.UpdatedAt, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `select exists(select 1 from permits where id = $1)`, p.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return permit.ErrNotFound
		}
		return fmt.Errorf("%w: permit %s changed concurrently", permit.ErrConflict, p.ID)
	}

	if opts.Associations {
		for _, table := range []string{"permit_personnel", "permit_activities", "permit_risks"} {
			if _, err := tx.ExecContext(ctx, `delete from `+table+` where permit_id = $1`, p.ID); err != nil {
				return err
			}
		}
		if err := insertAssociations(ctx, tx, p); err != nil {
			return err
		}
	}
	if opts.Closure {
		if err := saveClosure(ctx, tx, p); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertAssociations(ctx context.Context, q querier, p *permit.Permit) error {
	for i, person := range p.Personnel {
		if _, err := q.ExecContext(ctx, `
			insert into permit_personnel (permit_id, position, person_id, name, role)
			values ($1, $2, $3, $4, $5)
		`, p.ID, i, person.PersonID, person.Name, person.Role); err != nil {
			return err
		}
	}
	for i, a := range p.Activities {
		if _, err := q.ExecContext(ctx, `
			insert into permit_activities (permit_id, position, description, sort_order)
			values ($1, $2, $3, $4)
		`, p.ID, i, a.Description, a.Order); err != nil {
			return err
		}
	}
	for i, r := range p.Risks {
		if _, err := q.ExecContext(ctx, `
			insert into permit_risks (permit_id, position, risk_id, description, control)
			values ($1, $2, $3, $4, $5)
		`, p.ID, i, r.RiskID, r.Description, r.Control); err != nil {
			return err
		}
	}
	return nil
}

// saveClosure upserts the single closure row of p and replaces its materials.
func saveClosure(ctx context.Context, q querier, p *permit.Permit) error {
	c := p.Closure
	if c == nil {
		_, err := q.ExecContext(ctx, `delete from permit_closures where permit_id = $1`, p.ID)
		return err
	}
	if _, err := q.ExecContext(ctx, `
		insert into permit_closures (permit_id, work_start, work_end, turbine_stop, turbine_restart, notes,
			closed_by, closed_at, approved, approved_by, approved_at, review_notes,
			rejection_reason, rejected_by, rejected_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		on conflict (permit_id) do update set
			work_start = excluded.work_start,
			work_end = excluded.work_end,
			turbine_stop = excluded.turbine_stop,
			turbine_restart = excluded.turbine_restart,
			notes = excluded.notes,
			closed_by = excluded.closed_by,
			closed_at = excluded.closed_at,
			approved = excluded.approved,
			approved_by = excluded.approved_by,
			approved_at = excluded.approved_at,
			review_notes = excluded.review_notes,
			rejection_reason = excluded.rejection_reason,
			rejected_by = excluded.rejected_by,
			rejected_at = excluded.rejected_at
	`, p.ID, nullTime(c.WorkStart), c.WorkEnd.UTC(), nullTime(c.TurbineStop), nullTime(c.TurbineRestart), c.Notes,
		c.ClosedBy, c.ClosedAt.UTC(), c.Approved, nullIfEmpty(c.ApprovedBy), nullTime(c.ApprovedAt), c.ReviewNotes,
		c.RejectionReason, nullIfEmpty(c.RejectedBy), nullTime(c.RejectedAt)); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `delete from permit_closure_materials where permit_id = $1`, p.ID); err != nil {
		return err
	}
	for i, m := range c.Materials {
		if _, err := q.ExecContext(ctx, `
			insert into permit_closure_materials (permit_id, position, description, quantity, unit)
			values ($1, $2, $3, $4, $5)
		`, p.ID, i, m.Description, m.Quantity, m.Unit); err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPermit(row rowScanner) (*permit.Permit, error) {
	var (
		p          permit.Permit
		state      string
		approvedBy sql.NullString
		approvedAt sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.Site, &p.Seq, &p.Numero, &p.Turbine, &p.Description, &p.MaintenanceType,
		&p.CrewLeadID, &p.CrewLeadName, &p.CreatedBy, &state, &p.Version, &approvedBy, &approvedAt,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.State = permit.State(state)
	p.ApprovedBy = approvedBy.String
	p.ApprovedAt = timePtr(approvedAt)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func loadAssociations(ctx context.Context, q querier, p *permit.Permit) error {
	p.Personnel = []permit.Person{}
	p.Activities = []permit.Activity{}
	p.Risks = []permit.Risk{}

	rows, err := q.QueryContext(ctx, `select person_id, name, role from permit_personnel where permit_id = $1 order by position`, p.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var x permit.Person
		if err := rows.Scan(&x.PersonID, &x.Name, &x.Role); err != nil {
			rows.Close()
			return err
		}
		p.Personnel = append(p.Personnel, x)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = q.QueryContext(ctx, `select description, sort_order from permit_activities where permit_id = $1 order by position`, p.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var x permit.Activity
		if err := rows.Scan(&x.Description, &x.Order); err != nil {
			rows.Close()
			return err
		}
		p.Activities = append(p.Activities, x)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = q.QueryContext(ctx, `select risk_id, description, control from permit_risks where permit_id = $1 order by position`, p.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var x permit.Risk
		if err := rows.Scan(&x.RiskID, &x.Description, &x.Control); err != nil {
			return err
		}
		p.Risks = append(p.Risks, x)
	}
	return rows.Err()
}

func loadClosure(ctx context.Context, q querier, p *permit.Permit) error {
	var c permit.Closure
	var workStart, turbineStop, turbineRestart, approvedAt, rejectedAt sql.NullTime
	var approvedBy, rejectedBy sql.NullString
	err := q.QueryRowContext(ctx, `
		select work_start, work_end, turbine_stop, turbine_restart, notes, closed_by, closed_at,
			approved, approved_by, approved_at, review_notes, rejection_reason, rejected_by, rejected_at
		from permit_closures
		where permit_id = $1
	`, p.ID).Scan(&workStart, &c.WorkEnd, &turbineStop, &turbineRestart, &c.Notes, &c.ClosedBy, &c.ClosedAt,
		&c.Approved, &approvedBy, &approvedAt, &c.ReviewNotes, &c.RejectionReason, &rejectedBy, &rejectedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	c.WorkStart = timePtr(workStart)
	c.WorkEnd = c.WorkEnd.UTC()
	c.TurbineStop = timePtr(turbineStop)
	c.TurbineRestart = timePtr(turbineRestart)
	c.ClosedAt = c.ClosedAt.UTC()
	c.ApprovedBy = approvedBy.String
	c.ApprovedAt = timePtr(approvedAt)
	c.RejectedBy = rejectedBy.String
	c.RejectedAt = timePtr(rejectedAt)

	rows, err := q.QueryContext(ctx, `
		select description, quantity, unit from permit_closure_materials where permit_id = $1 order by position
	`, p.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	c.Materials = []permit.Material{}
	for rows.Next() {
		var m permit.Material
		if err := rows.Scan(&m.Description, &m.Quantity, &m.Unit); err != nil {
			return err
		}
		c.Materials = append(c.Materials, m)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	p.Closure = &c
	return nil
}
