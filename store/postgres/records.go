package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// JOBS
// =============================================================================

const jobColumns = `id, reference, customer_id, customer_name, customer_email, customer_address,
	driver_id, vehicle_registration, pickup_address, delivery_address,
	price::text, status, scheduled_at, created_at, updated_at`

// SaveJob upserts a job.
func (s *Store) SaveJob(ctx context.Context, job billing.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (
			id, reference, customer_id, customer_name, customer_email, customer_address,
			driver_id, vehicle_registration, pickup_address, delivery_address,
			price, status, scheduled_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			reference = EXCLUDED.reference,
			customer_id = EXCLUDED.customer_id,
			customer_name = EXCLUDED.customer_name,
			customer_email = EXCLUDED.customer_email,
			customer_address = EXCLUDED.customer_address,
			driver_id = EXCLUDED.driver_id,
			vehicle_registration = EXCLUDED.vehicle_registration,
			pickup_address = EXCLUDED.pickup_address,
			delivery_address = EXCLUDED.delivery_address,
			price = EXCLUDED.price,
			status = EXCLUDED.status,
			scheduled_at = EXCLUDED.scheduled_at,
			updated_at = EXCLUDED.updated_at
	`,
		string(job.ID), job.Reference, job.CustomerID, job.CustomerName, job.CustomerEmail, job.CustomerAddress,
		job.DriverID, job.VehicleRegistration, job.PickupAddress, job.DeliveryAddress,
		job.Price.String(), string(job.Status), job.ScheduledAt, job.CreatedAt, job.UpdatedAt,
	)
	return err
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, id billing.JobID) (*billing.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, string(id))
	job, err := scanJob(row)
	if err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

// ListJobs returns all jobs, newest first.
func (s *Store) ListJobs(ctx context.Context) ([]billing.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []billing.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (billing.Job, error) {
	var j billing.Job
	var id, status, price string
	if err := row.Scan(
		&id, &j.Reference, &j.CustomerID, &j.CustomerName, &j.CustomerEmail, &j.CustomerAddress,
		&j.DriverID, &j.VehicleRegistration, &j.PickupAddress, &j.DeliveryAddress,
		&price, &status, &j.ScheduledAt, &j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return j, err
	}
	j.ID = billing.JobID(id)
	j.Status = billing.JobStatus(status)
	j.Price = parseDecimal(price)
	j.ScheduledAt = utcPtr(j.ScheduledAt)
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return j, nil
}

// =============================================================================
// EXPENSES
// =============================================================================

const expenseColumns = `id, job_id, driver_id, type, amount::text, notes, is_chargeable, date, created_at`

// SaveExpense upserts an expense.
func (s *Store) SaveExpense(ctx context.Context, e billing.Expense) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO expenses (id, job_id, driver_id, type, amount, notes, is_chargeable, date, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			job_id = EXCLUDED.job_id,
			driver_id = EXCLUDED.driver_id,
			type = EXCLUDED.type,
			amount = EXCLUDED.amount,
			notes = EXCLUDED.notes,
			is_chargeable = EXCLUDED.is_chargeable,
			date = EXCLUDED.date
	`,
		string(e.ID), string(e.JobID), e.DriverID, string(e.Type), e.Amount.String(), e.Notes, e.IsChargeable, e.Date, e.CreatedAt,
	)
	return err
}

// GetExpense retrieves an expense by ID.
func (s *Store) GetExpense(ctx context.Context, id billing.ExpenseID) (*billing.Expense, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+expenseColumns+` FROM expenses WHERE id = $1`, string(id))
	e, err := scanExpense(row)
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

// DeleteExpense removes an expense.
func (s *Store) DeleteExpense(ctx context.Context, id billing.ExpenseID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM expenses WHERE id = $1`, string(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrNotFound
	}
	return nil
}

// ExpensesByJob returns the job's expenses ordered by date.
func (s *Store) ExpensesByJob(ctx context.Context, jobID billing.JobID) ([]billing.Expense, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+expenseColumns+` FROM expenses WHERE job_id = $1 ORDER BY date, id`, string(jobID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanExpense(row pgx.Row) (billing.Expense, error) {
	var e billing.Expense
	var id, jobID, typ, amount string
	if err := row.Scan(&id, &jobID, &e.DriverID, &typ, &amount, &e.Notes, &e.IsChargeable, &e.Date, &e.CreatedAt); err != nil {
		return e, err
	}
	e.ID = billing.ExpenseID(id)
	e.JobID = billing.JobID(jobID)
	e.Type = billing.ExpenseType(typ)
	e.Amount = parseDecimal(amount)
	e.Date = e.Date.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

func newID() string {
	return uuid.NewString()
}
