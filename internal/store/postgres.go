package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailhook/mailhook/internal/model"
)

// Postgres implements Store on a pgx connection pool. Schema lives under
// the mailhook schema; see migrations/.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const endpointCols = `id, tenant_id, url, name, event_types, secret, enabled, created_at`

func scanEndpoint(row pgx.Row) (*model.Endpoint, error) {
	var ep model.Endpoint
	var name sql.NullString
	if err := row.Scan(&ep.ID, &ep.TenantID, &ep.URL, &name, &ep.EventTypes, &ep.Secret, &ep.Enabled, &ep.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	ep.Name = name.String
	return &ep, nil
}

func (p *Postgres) CreateEndpoint(ctx context.Context, ep *model.Endpoint) error {
	return p.pool.QueryRow(ctx, `
		INSERT INTO mailhook.endpoints(id, tenant_id, url, name, event_types, secret, enabled)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)
		RETURNING created_at`,
		ep.ID, ep.TenantID, ep.URL, ep.Name, ep.EventTypes, ep.Secret, ep.Enabled,
	).Scan(&ep.CreatedAt)
}

func (p *Postgres) GetEndpoint(ctx context.Context, tenantID, id string) (*model.Endpoint, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT `+endpointCols+`
		FROM mailhook.endpoints
		WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	return scanEndpoint(row)
}

func (p *Postgres) ListEndpoints(ctx context.Context, tenantID string) ([]*model.Endpoint, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+endpointCols+`
		FROM mailhook.endpoints
		WHERE tenant_id = $1
		ORDER BY created_at ASC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateEndpoint(ctx context.Context, ep *model.Endpoint) error {
	ct, err := p.pool.Exec(ctx, `
		UPDATE mailhook.endpoints
		SET url = $3, name = NULLIF($4, ''), event_types = $5, enabled = $6
		WHERE id = $1 AND tenant_id = $2`,
		ep.ID, ep.TenantID, ep.URL, ep.Name, ep.EventTypes, ep.Enabled)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteEndpoint(ctx context.Context, tenantID, id string) error {
	// Deliveries go with the endpoint via ON DELETE CASCADE.
	ct, err := p.pool.Exec(ctx, `
		DELETE FROM mailhook.endpoints WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListMatchingEndpoints(ctx context.Context, tenantID, eventType string) ([]*model.Endpoint, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+endpointCols+`
		FROM mailhook.endpoints
		WHERE tenant_id = $1 AND enabled
		  AND (cardinality(event_types) = 0 OR $2 = ANY(event_types))
		ORDER BY created_at ASC`, tenantID, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateDeliveries(ctx context.Context, ds []*model.Delivery) error {
	if len(ds) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, d := range ds {
		batch.Queue(`
			INSERT INTO mailhook.deliveries(endpoint_id, event_id, tenant_id, event_type, payload, occurred_at, status, next_attempt_at)
			VALUES ($1, NULLIF($2, 0::bigint), $3, $4, $5, $6, $7, $8)
			RETURNING id, created_at`,
			d.EndpointID, d.EventID, d.TenantID, d.EventType, d.Payload, d.OccurredAt, d.Status, d.NextAttemptAt)
	}
	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()
	for _, d := range ds {
		if err := br.QueryRow().Scan(&d.ID, &d.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

const deliveryCols = `id, endpoint_id, COALESCE(event_id, 0), tenant_id, event_type, payload, occurred_at,
	status, attempt_count, last_attempt_at, response_status, COALESCE(response_body, ''), next_attempt_at, created_at`

func scanDelivery(row pgx.Row) (*model.Delivery, error) {
	var d model.Delivery
	var status string
	if err := row.Scan(&d.ID, &d.EndpointID, &d.EventID, &d.TenantID, &d.EventType, &d.Payload, &d.OccurredAt,
		&status, &d.AttemptCount, &d.LastAttemptAt, &d.ResponseStatus, &d.ResponseBody, &d.NextAttemptAt, &d.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	d.Status = model.DeliveryStatus(status)
	return &d, nil
}

func (p *Postgres) GetDelivery(ctx context.Context, id int64) (*model.Delivery, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT `+deliveryCols+`
		FROM mailhook.deliveries WHERE id = $1`, id)
	return scanDelivery(row)
}

func (p *Postgres) ClaimDelivery(ctx context.Context, id int64, now time.Time, lease time.Duration) (*model.Delivery, bool, error) {
	// Conditional update by primary key; the claim pushes next_attempt_at
	// out by the lease so a concurrent claim on the same row affects zero
	// rows. No lock needed. If the attempt never finalizes (crash, lost
	// write) the row comes due again at lease expiry and the sweep retries.
	row := p.pool.QueryRow(ctx, `
		UPDATE mailhook.deliveries
		SET attempt_count = attempt_count + 1, last_attempt_at = $2, next_attempt_at = $3
		WHERE id = $1
		  AND status IN ('pending', 'retry')
		  AND next_attempt_at IS NOT NULL AND next_attempt_at <= $2
		RETURNING `+deliveryCols, id, now, now.Add(lease))
	d, err := scanDelivery(row)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

func (p *Postgres) FinalizeDelivery(ctx context.Context, id int64, status model.DeliveryStatus, respStatus *int, respBody string, nextAttemptAt *time.Time) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE mailhook.deliveries
		SET status = $2, response_status = $3, response_body = NULLIF($4, ''), next_attempt_at = $5
		WHERE id = $1 AND status NOT IN ('sent', 'failed')`,
		id, status, respStatus, respBody, nextAttemptAt)
	return err
}

func (p *Postgres) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id FROM mailhook.deliveries
		WHERE status IN ('pending', 'retry') AND next_attempt_at <= $1
		ORDER BY next_attempt_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (p *Postgres) ListDeliveries(ctx context.Context, tenantID, endpointID string, limit int) ([]*model.Delivery, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT `+deliveryCols+`
		FROM mailhook.deliveries
		WHERE tenant_id = $1 AND endpoint_id = $2
		ORDER BY id DESC
		LIMIT $3`, tenantID, endpointID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
