package claims

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/claims/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func conn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// =========== Batch Repository ===========

type batchRepoPG struct{ pool *pgxpool.Pool }

func NewBatchRepoPG(pool *pgxpool.Pool) BatchRepository { return &batchRepoPG{pool: pool} }

const batchCols = `id, clinic_id, insurer_id, sequence_no, status,
	artifact_name, artifact_sha256, protocol_id,
	approved_total, glosed_total, submitted_at, processed_at,
	revision, created_at, updated_at`

func scanBatch(row pgx.Row) (*Batch, error) {
	var b Batch
	err := row.Scan(&b.ID, &b.ClinicID, &b.InsurerID, &b.SequenceNo, &b.Status,
		&b.ArtifactName, &b.ArtifactSHA256, &b.ProtocolID,
		&b.ApprovedTotal, &b.GlosedTotal, &b.SubmittedAt, &b.ProcessedAt,
		&b.Revision, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &b, nil
}

func (r *batchRepoPG) Create(ctx context.Context, b *Batch) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	b.Revision = 1
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO batch (id, clinic_id, insurer_id, sequence_no, status, revision)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		b.ID, b.ClinicID, b.InsurerID, b.SequenceNo, b.Status, b.Revision)
	return err
}

func (r *batchRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Batch, error) {
	return scanBatch(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+batchCols+` FROM batch WHERE id = $1`, id))
}

func (r *batchRepoPG) GetWithClaims(ctx context.Context, id uuid.UUID) (*Batch, error) {
	b, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+claimCols+` FROM claim WHERE batch_id = $1 ORDER BY created_at`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		b.Claims = append(b.Claims, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return b, nil
}

// Update writes all mutable batch fields guarded by the revision stamp.
func (r *batchRepoPG) Update(ctx context.Context, b *Batch) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE batch SET status=$3, artifact_name=$4, artifact_sha256=$5,
			protocol_id=$6, approved_total=$7, glosed_total=$8,
			submitted_at=$9, processed_at=$10,
			revision = revision + 1, updated_at = NOW()
		WHERE id = $1 AND revision = $2`,
		b.ID, b.Revision, b.Status, b.ArtifactName, b.ArtifactSHA256,
		b.ProtocolID, b.ApprovedTotal, b.GlosedTotal,
		b.SubmittedAt, b.ProcessedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, b.ID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConcurrentModification
	}
	b.Revision++
	return nil
}

func (r *batchRepoPG) ListByInsurer(ctx context.Context, insurerID uuid.UUID, limit, offset int) ([]*Batch, int, error) {
	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM batch WHERE insurer_id = $1`, insurerID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+batchCols+` FROM batch WHERE insurer_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		insurerID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, b)
	}
	return items, total, rows.Err()
}

func (r *batchRepoPG) List(ctx context.Context, limit, offset int) ([]*Batch, int, error) {
	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM batch`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+batchCols+` FROM batch ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, b)
	}
	return items, total, rows.Err()
}

// =========== Claim Repository ===========

type claimRepoPG struct{ pool *pgxpool.Pool }

func NewClaimRepoPG(pool *pgxpool.Pool) ClaimRepository { return &claimRepoPG{pool: pool} }

const claimCols = `id, batch_id, episode_id, coverage_id, type, service_date,
	status, total_amount, approved_amount, glosed_amount, reject_reason,
	revision, created_at, updated_at`

func scanClaim(row pgx.Row) (*Claim, error) {
	var c Claim
	err := row.Scan(&c.ID, &c.BatchID, &c.EpisodeID, &c.CoverageID, &c.Type, &c.ServiceDate,
		&c.Status, &c.TotalAmount, &c.ApprovedAmount, &c.GlosedAmount, &c.RejectReason,
		&c.Revision, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &c, nil
}

func (r *claimRepoPG) Create(ctx context.Context, c *Claim) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.Revision = 1
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO claim (id, batch_id, episode_id, coverage_id, type, service_date,
			status, total_amount, approved_amount, glosed_amount, revision)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		c.ID, c.BatchID, c.EpisodeID, c.CoverageID, c.Type, c.ServiceDate,
		c.Status, c.TotalAmount, c.ApprovedAmount, c.GlosedAmount, c.Revision)
	return err
}

func (r *claimRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return scanClaim(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+claimCols+` FROM claim WHERE id = $1`, id))
}

func (r *claimRepoPG) GetWithItems(ctx context.Context, id uuid.UUID) (*Claim, error) {
	c, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	items, err := r.GetItems(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Items = items
	return c, nil
}

func (r *claimRepoPG) Update(ctx context.Context, c *Claim) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE claim SET batch_id=$3, status=$4, total_amount=$5,
			approved_amount=$6, glosed_amount=$7, reject_reason=$8,
			revision = revision + 1, updated_at = NOW()
		WHERE id = $1 AND revision = $2`,
		c.ID, c.Revision, c.BatchID, c.Status, c.TotalAmount,
		c.ApprovedAmount, c.GlosedAmount, c.RejectReason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, c.ID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConcurrentModification
	}
	c.Revision++
	return nil
}

func (r *claimRepoPG) ListByBatch(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]*Claim, int, error) {
	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM claim WHERE batch_id = $1`, batchID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+claimCols+` FROM claim WHERE batch_id = $1 ORDER BY created_at LIMIT $2 OFFSET $3`,
		batchID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

const lineItemCols = `id, claim_id, code, description, quantity, unit_price, total, bill_insurer, created_at`

func scanLineItem(row pgx.Row) (*LineItem, error) {
	var li LineItem
	err := row.Scan(&li.ID, &li.ClaimID, &li.Code, &li.Description,
		&li.Quantity, &li.UnitPrice, &li.Total, &li.BillInsurer, &li.CreatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &li, nil
}

func (r *claimRepoPG) AddItem(ctx context.Context, li *LineItem) error {
	if li.ID == uuid.Nil {
		li.ID = uuid.New()
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO line_item (id, claim_id, code, description, quantity, unit_price, total, bill_insurer)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		li.ID, li.ClaimID, li.Code, li.Description, li.Quantity, li.UnitPrice, li.Total, li.BillInsurer)
	return err
}

func (r *claimRepoPG) RemoveItem(ctx context.Context, itemID uuid.UUID) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM line_item WHERE id = $1`, itemID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *claimRepoPG) GetItems(ctx context.Context, claimID uuid.UUID) ([]*LineItem, error) {
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+lineItemCols+` FROM line_item WHERE claim_id = $1 ORDER BY created_at`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*LineItem
	for rows.Next() {
		li, err := scanLineItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, li)
	}
	return items, rows.Err()
}

// =========== Rejection Repository ===========

type rejectionRepoPG struct{ pool *pgxpool.Pool }

func NewRejectionRepoPG(pool *pgxpool.Pool) RejectionRepository { return &rejectionRepoPG{pool: pool} }

const rejectionCols = `id, claim_id, line_item_id, class, code, reason,
	original_value, rejected_value, status, revision, created_at, updated_at`

func scanRejection(row pgx.Row) (*Rejection, error) {
	var rj Rejection
	err := row.Scan(&rj.ID, &rj.ClaimID, &rj.LineItemID, &rj.Class, &rj.Code, &rj.Reason,
		&rj.OriginalValue, &rj.RejectedValue, &rj.Status, &rj.Revision, &rj.CreatedAt, &rj.UpdatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &rj, nil
}

func (r *rejectionRepoPG) Create(ctx context.Context, rj *Rejection) error {
	if rj.ID == uuid.Nil {
		rj.ID = uuid.New()
	}
	rj.Revision = 1
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO rejection (id, claim_id, line_item_id, class, code, reason,
			original_value, rejected_value, status, revision)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rj.ID, rj.ClaimID, rj.LineItemID, rj.Class, rj.Code, rj.Reason,
		rj.OriginalValue, rj.RejectedValue, rj.Status, rj.Revision)
	return err
}

func (r *rejectionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Rejection, error) {
	return scanRejection(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+rejectionCols+` FROM rejection WHERE id = $1`, id))
}

func (r *rejectionRepoPG) GetWithAppeals(ctx context.Context, id uuid.UUID) (*Rejection, error) {
	rj, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	appeals, err := r.GetAppeals(ctx, id)
	if err != nil {
		return nil, err
	}
	rj.Appeals = appeals
	return rj, nil
}

func (r *rejectionRepoPG) Update(ctx context.Context, rj *Rejection) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE rejection SET rejected_value=$3, status=$4,
			revision = revision + 1, updated_at = NOW()
		WHERE id = $1 AND revision = $2`,
		rj.ID, rj.Revision, rj.RejectedValue, rj.Status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, rj.ID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConcurrentModification
	}
	rj.Revision++
	return nil
}

func (r *rejectionRepoPG) ListByClaim(ctx context.Context, claimID uuid.UUID, limit, offset int) ([]*Rejection, int, error) {
	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM rejection WHERE claim_id = $1`, claimID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+rejectionCols+` FROM rejection WHERE claim_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		claimID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Rejection
	for rows.Next() {
		rj, err := scanRejection(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rj)
	}
	return items, total, rows.Err()
}

func (r *rejectionRepoPG) ListOpen(ctx context.Context, limit, offset int) ([]*Rejection, int, error) {
	const openFilter = `status NOT IN ('appeal_granted', 'accepted')`
	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM rejection WHERE `+openFilter).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+rejectionCols+` FROM rejection WHERE `+openFilter+` ORDER BY created_at LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Rejection
	for rows.Next() {
		rj, err := scanRejection(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rj)
	}
	return items, total, rows.Err()
}

const appealCols = `id, rejection_id, justification, outcome, restored_amount, resolution_note, filed_at, resolved_at`

func scanAppeal(row pgx.Row) (*Appeal, error) {
	var a Appeal
	err := row.Scan(&a.ID, &a.RejectionID, &a.Justification, &a.Outcome,
		&a.RestoredAmount, &a.ResolutionNote, &a.FiledAt, &a.ResolvedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &a, nil
}

func (r *rejectionRepoPG) AddAppeal(ctx context.Context, a *Appeal) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO appeal (id, rejection_id, justification, outcome, restored_amount, resolution_note, filed_at, resolved_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ID, a.RejectionID, a.Justification, a.Outcome, a.RestoredAmount, a.ResolutionNote, a.FiledAt, a.ResolvedAt)
	return err
}

func (r *rejectionRepoPG) UpdateAppeal(ctx context.Context, a *Appeal) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE appeal SET outcome=$2, restored_amount=$3, resolution_note=$4, resolved_at=$5
		WHERE id = $1`,
		a.ID, a.Outcome, a.RestoredAmount, a.ResolutionNote, a.ResolvedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *rejectionRepoPG) GetAppeals(ctx context.Context, rejectionID uuid.UUID) ([]*Appeal, error) {
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+appealCols+` FROM appeal WHERE rejection_id = $1 ORDER BY filed_at`, rejectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Appeal
	for rows.Next() {
		a, err := scanAppeal(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}
