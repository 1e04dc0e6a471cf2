package claims

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/claims/internal/platform/events"
)

// Event types published by the service.
const (
	EventBatchPaid        = "batch.paid"
	EventBatchRejected    = "batch.rejected"
	EventRejectionCreated = "rejection.created"
	EventAppealResolved   = "appeal.resolved"
)

// TxRunner runs fn atomically. Repository calls made with the context handed
// to fn join the same transaction; fn returning an error rolls everything
// back. When no runner is configured, fn runs directly.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

// RollupCache is a read-side cache for dashboard rollups. Implementations
// must be safe for concurrent use; all methods are best-effort.
type RollupCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Invalidate(ctx context.Context, keys ...string)
}

const (
	cacheKeyOpenRejections = "claims:rollup:open_rejections"
	cacheTTL               = 30 * time.Second
)

func cacheKeyBatchTotal(id uuid.UUID) string {
	return "claims:rollup:batch_total:" + id.String()
}

// amountEpsilon absorbs float accumulation noise when comparing monetary
// rollups.
const amountEpsilon = 0.005

func amountsEqual(a, b float64) bool {
	return math.Abs(a-b) < amountEpsilon
}

// Service orchestrates the batch/claim/rejection lifecycles. Mutating
// operations take the caller's expected revision stamp; a stale stamp fails
// with ErrConcurrentModification before anything is written, and the
// persistence layer repeats the check as a compare-and-swap.
type Service struct {
	batches    BatchRepository
	claims     ClaimRepository
	rejections RejectionRepository

	prices    PriceProvider
	artifacts ArtifactGenerator
	events    events.Publisher
	cache     RollupCache
	tx        TxRunner
	log       zerolog.Logger
	now       clock
}

func NewService(batches BatchRepository, claims ClaimRepository, rejections RejectionRepository) *Service {
	return &Service{
		batches:    batches,
		claims:     claims,
		rejections: rejections,
		artifacts:  JSONArtifactGenerator{},
		log:        zerolog.Nop(),
		now:        systemClock,
	}
}

// SetPriceProvider attaches the price list consulted when a line item is
// added without an explicit unit price.
func (s *Service) SetPriceProvider(p PriceProvider) { s.prices = p }

// SetArtifactGenerator overrides the default JSON artifact generator.
func (s *Service) SetArtifactGenerator(g ArtifactGenerator) { s.artifacts = g }

// SetPublisher attaches the event bus (may be nil).
func (s *Service) SetPublisher(p events.Publisher) { s.events = p }

// SetCache attaches the dashboard rollup cache (may be nil).
func (s *Service) SetCache(c RollupCache) { s.cache = c }

// SetTxRunner attaches the transaction runner used for operations that write
// more than one aggregate.
func (s *Service) SetTxRunner(tx TxRunner) { s.tx = tx }

func (s *Service) SetLogger(log zerolog.Logger) {
	s.log = log.With().Str("component", "claims").Logger()
}

func (s *Service) publish(eventType, resourceType string, resourceID uuid.UUID, payload interface{}) {
	if s.events == nil {
		return
	}
	s.events.Publish(events.New(eventType, resourceType, resourceID.String(), payload))
}

func (s *Service) invalidate(ctx context.Context, keys ...string) {
	if s.cache == nil {
		return
	}
	s.cache.Invalidate(ctx, keys...)
}

func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.tx == nil {
		return fn(ctx)
	}
	return s.tx(ctx, fn)
}

// checkRevision rejects a stale caller-supplied revision stamp up front.
// Zero means "no expectation": the current revision is used as-is.
func checkRevision(expected, current int) error {
	if expected != 0 && expected != current {
		return ErrConcurrentModification
	}
	return nil
}

// -- Batch lifecycle --

func (s *Service) CreateBatch(ctx context.Context, clinicID, insurerID uuid.UUID, sequenceNo int) (*Batch, error) {
	if clinicID == uuid.Nil {
		return nil, fmt.Errorf("clinic_id is required")
	}
	if insurerID == uuid.Nil {
		return nil, fmt.Errorf("insurer_id is required")
	}
	if sequenceNo <= 0 {
		return nil, fmt.Errorf("sequence_no must be positive")
	}
	b := &Batch{
		ID:         uuid.New(),
		ClinicID:   clinicID,
		InsurerID:  insurerID,
		SequenceNo: sequenceNo,
		Status:     BatchDraft,
	}
	if err := s.batches.Create(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Service) GetBatch(ctx context.Context, id uuid.UUID) (*Batch, error) {
	return s.batches.GetWithClaims(ctx, id)
}

func (s *Service) ListBatches(ctx context.Context, limit, offset int) ([]*Batch, int, error) {
	return s.batches.List(ctx, limit, offset)
}

func (s *Service) ListBatchesByInsurer(ctx context.Context, insurerID uuid.UUID, limit, offset int) ([]*Batch, int, error) {
	return s.batches.ListByInsurer(ctx, insurerID, limit, offset)
}

// BatchTotal recomputes the batch total from its member claims, serving the
// rollup from cache when available.
func (s *Service) BatchTotal(ctx context.Context, id uuid.UUID) (float64, error) {
	key := cacheKeyBatchTotal(id)
	if s.cache != nil {
		if raw, ok := s.cache.Get(ctx, key); ok {
			var total float64
			if _, err := fmt.Sscanf(string(raw), "%g", &total); err == nil {
				return total, nil
			}
		}
	}
	b, err := s.batches.GetWithClaims(ctx, id)
	if err != nil {
		return 0, err
	}
	total := b.Total()
	if s.cache != nil {
		s.cache.Set(ctx, key, []byte(fmt.Sprintf("%g", total)), cacheTTL)
	}
	return total, nil
}

// AddClaimToBatch binds a claim to a batch while membership is open.
func (s *Service) AddClaimToBatch(ctx context.Context, batchID, claimID uuid.UUID, rev int) error {
	b, err := s.batches.GetWithClaims(ctx, batchID)
	if err != nil {
		return err
	}
	if err := checkRevision(rev, b.Revision); err != nil {
		return err
	}
	c, err := s.claims.GetWithItems(ctx, claimID)
	if err != nil {
		return err
	}
	if err := b.AddClaim(c); err != nil {
		return err
	}
	if err := s.claims.Update(ctx, c); err != nil {
		return err
	}
	if err := s.batches.Update(ctx, b); err != nil {
		return err
	}
	s.invalidate(ctx, cacheKeyBatchTotal(batchID))
	return nil
}

// RemoveClaimFromBatch detaches a claim while membership is open.
func (s *Service) RemoveClaimFromBatch(ctx context.Context, batchID, claimID uuid.UUID, rev int) error {
	b, err := s.batches.GetWithClaims(ctx, batchID)
	if err != nil {
		return err
	}
	if err := checkRevision(rev, b.Revision); err != nil {
		return err
	}
	if err := b.RemoveClaim(claimID); err != nil {
		return err
	}
	c, err := s.claims.GetByID(ctx, claimID)
	if err != nil {
		return err
	}
	c.BatchID = nil
	if err := s.claims.Update(ctx, c); err != nil {
		return err
	}
	if err := s.batches.Update(ctx, b); err != nil {
		return err
	}
	s.invalidate(ctx, cacheKeyBatchTotal(batchID))
	return nil
}

func (s *Service) MarkBatchReady(ctx context.Context, id uuid.UUID, rev int) (*Batch, error) {
	b, err := s.batches.GetWithClaims(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkRevision(rev, b.Revision); err != nil {
		return nil, err
	}
	if err := b.MarkReadyToSend(); err != nil {
		return nil, err
	}
	if err := s.batches.Update(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// GenerateBatchArtifact renders the submission artifact for the batch,
// records its name and digest, and moves the batch to ReadyToSend.
func (s *Service) GenerateBatchArtifact(ctx context.Context, id uuid.UUID, rev int) (*Artifact, error) {
	b, err := s.batches.GetWithClaims(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkRevision(rev, b.Revision); err != nil {
		return nil, err
	}
	if b.Status != BatchDraft && b.Status != BatchReadyToSend {
		return nil, ErrInvalidState
	}
	if len(b.Claims) == 0 {
		return nil, ErrEmptyBatch
	}
	for i, c := range b.Claims {
		full, err := s.claims.GetWithItems(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		b.Claims[i] = full
	}
	art, err := s.artifacts.Generate(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("generate artifact: %w", err)
	}
	if err := b.AttachArtifact(art.Name, art.SHA256); err != nil {
		return nil, err
	}
	if err := s.batches.Update(ctx, b); err != nil {
		return nil, err
	}
	return art, nil
}

// SubmitBatch transmits the batch: every member claim still in draft is
// marked sent, then the batch itself moves to Sent. A member claim with no
// line items aborts the submission before anything is written.
func (s *Service) SubmitBatch(ctx context.Context, id uuid.UUID, protocolID string, rev int) (*Batch, error) {
	b, err := s.batches.GetWithClaims(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkRevision(rev, b.Revision); err != nil {
		return nil, err
	}
	members := make([]*Claim, 0, len(b.Claims))
	for _, c := range b.Claims {
		full, err := s.claims.GetWithItems(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		members = append(members, full)
	}
	if err := b.Submit(protocolID, s.now()); err != nil {
		return nil, err
	}
	for _, c := range members {
		if c.Status != ClaimDraft {
			continue
		}
		if err := c.MarkSent(); err != nil {
			return nil, fmt.Errorf("claim %s: %w", c.ID, err)
		}
	}
	err = s.inTx(ctx, func(ctx context.Context) error {
		for _, c := range members {
			if c.Status != ClaimSent {
				continue
			}
			if err := s.claims.Update(ctx, c); err != nil {
				return err
			}
		}
		return s.batches.Update(ctx, b)
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Service) MarkBatchProcessing(ctx context.Context, id uuid.UUID, rev int) (*Batch, error) {
	b, err := s.batches.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkRevision(rev, b.Revision); err != nil {
		return nil, err
	}
	if err := b.MarkProcessing(); err != nil {
		return nil, err
	}
	if err := s.batches.Update(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// RecordBatchResponse records the insurer's batch-level rollup and reconciles
// it against the sum of the claim-level adjudications. A divergence is logged
// as a reconciliation error; the claim-level amounts are never overwritten.
func (s *Service) RecordBatchResponse(ctx context.Context, id uuid.UUID, approvedTotal, glosedTotal float64, rev int) (*Batch, error) {
	b, err := s.batches.GetWithClaims(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkRevision(rev, b.Revision); err != nil {
		return nil, err
	}
	if err := b.RecordResponse(approvedTotal, glosedTotal, s.now()); err != nil {
		return nil, err
	}

	var claimApproved, claimGlosed float64
	var adjudicated int
	for _, c := range b.Claims {
		switch c.Status {
		case ClaimApproved, ClaimPartiallyApproved, ClaimRejected, ClaimPaid:
			claimApproved += c.ApprovedAmount
			claimGlosed += c.GlosedAmount
			adjudicated++
		}
	}
	if adjudicated == len(b.Claims) &&
		(!amountsEqual(claimApproved, approvedTotal) || !amountsEqual(claimGlosed, glosedTotal)) {
		s.log.Error().
			Str("batch_id", b.ID.String()).
			Float64("batch_approved", approvedTotal).
			Float64("batch_glosed", glosedTotal).
			Float64("claims_approved", claimApproved).
			Float64("claims_glosed", claimGlosed).
			Msg("batch response diverges from claim-level adjudication")
	}

	if err := s.batches.Update(ctx, b); err != nil {
		return nil, err
	}
	s.invalidate(ctx, cacheKeyBatchTotal(id))
	return b, nil
}

func (s *Service) MarkBatchPaid(ctx context.Context, id uuid.UUID, rev int) (*Batch, error) {
	b, err := s.batches.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkRevision(rev, b.Revision); err != nil {
		return nil, err
	}
	if err := b.MarkPaid(); err != nil {
		return nil, err
	}
	if err := s.batches.Update(ctx, b); err != nil {
		return nil, err
	}
	s.publish(EventBatchPaid, "Batch", b.ID, b)
	return b, nil
}

func (s *Service) RejectBatch(ctx context.Context, id uuid.UUID, rev int) (*Batch, error) {
	b, err := s.batches.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkRevision(rev, b.Revision); err != nil {
		return nil, err
	}
	if err := b.Reject(); err != nil {
		return nil, err
	}
	if err := s.batches.Update(ctx, b); err != nil {
		return nil, err
	}
	s.publish(EventBatchRejected, "Batch", b.ID, b)
	return b, nil
}

// -- Claim lifecycle --

// CreateClaimInput carries the fields needed to open a claim in draft.
type CreateClaimInput struct {
	EpisodeID   uuid.UUID
	CoverageID  uuid.UUID
	Type        ClaimType
	ServiceDate time.Time
}

func (s *Service) CreateClaim(ctx context.Context, in CreateClaimInput) (*Claim, error) {
	if in.EpisodeID == uuid.Nil {
		return nil, fmt.Errorf("episode_id is required")
	}
	if in.CoverageID == uuid.Nil {
		return nil, fmt.Errorf("coverage_id is required")
	}
	if !validClaimTypes[in.Type] {
		return nil, fmt.Errorf("invalid claim type: %s", in.Type)
	}
	if in.ServiceDate.IsZero() {
		return nil, fmt.Errorf("service_date is required")
	}
	c := &Claim{
		ID:          uuid.New(),
		EpisodeID:   in.EpisodeID,
		CoverageID:  in.CoverageID,
		Type:        in.Type,
		ServiceDate: in.ServiceDate,
		Status:      ClaimDraft,
	}
	if err := s.claims.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) GetClaim(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return s.claims.GetWithItems(ctx, id)
}

func (s *Service) ListClaimsByBatch(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]*Claim, int, error) {
	return s.claims.ListByBatch(ctx, batchID, limit, offset)
}

// LineItemInput carries the fields for a new line item. A nil UnitPrice is
// resolved through the price provider.
type LineItemInput struct {
	Code        string
	Description string
	Quantity    int
	UnitPrice   *float64
	BillInsurer bool
}

func (s *Service) AddLineItem(ctx context.Context, claimID uuid.UUID, in LineItemInput, rev int) (*LineItem, error) {
	c, err := s.claims.GetWithItems(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if err := checkRevision(rev, c.Revision); err != nil {
		return nil, err
	}

	price := 0.0
	if in.UnitPrice != nil {
		price = *in.UnitPrice
	} else {
		if s.prices == nil {
			return nil, fmt.Errorf("unit_price is required: no price provider configured")
		}
		insurerID := ""
		if c.BatchID != nil {
			b, err := s.batches.GetByID(ctx, *c.BatchID)
			if err != nil {
				return nil, err
			}
			insurerID = b.InsurerID.String()
		}
		price, err = s.prices.UnitPrice(ctx, insurerID, in.Code)
		if err != nil {
			return nil, fmt.Errorf("resolve unit price: %w", err)
		}
	}

	li := &LineItem{
		ID:          uuid.New(),
		Code:        in.Code,
		Description: in.Description,
		Quantity:    in.Quantity,
		UnitPrice:   price,
		BillInsurer: in.BillInsurer,
	}
	if err := c.AddLineItem(li); err != nil {
		return nil, err
	}
	if err := s.claims.AddItem(ctx, li); err != nil {
		return nil, err
	}
	if err := s.claims.Update(ctx, c); err != nil {
		return nil, err
	}
	if c.BatchID != nil {
		s.invalidate(ctx, cacheKeyBatchTotal(*c.BatchID))
	}
	return li, nil
}

func (s *Service) RemoveLineItem(ctx context.Context, claimID, itemID uuid.UUID, rev int) error {
	c, err := s.claims.GetWithItems(ctx, claimID)
	if err != nil {
		return err
	}
	if err := checkRevision(rev, c.Revision); err != nil {
		return err
	}
	if err := c.RemoveLineItem(itemID); err != nil {
		return err
	}
	if err := s.claims.RemoveItem(ctx, itemID); err != nil {
		return err
	}
	if err := s.claims.Update(ctx, c); err != nil {
		return err
	}
	if c.BatchID != nil {
		s.invalidate(ctx, cacheKeyBatchTotal(*c.BatchID))
	}
	return nil
}

func (s *Service) MarkClaimSent(ctx context.Context, id uuid.UUID, rev int) (*Claim, error) {
	c, err := s.claims.GetWithItems(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkRevision(rev, c.Revision); err != nil {
		return nil, err
	}
	if err := c.MarkSent(); err != nil {
		return nil, err
	}
	if err := s.claims.Update(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// GlosaInput describes one insurer denial accompanying an adjudication.
type GlosaInput struct {
	LineItemID *uuid.UUID
	Class      GlosaClass
	Code       string
	Reason     string
	Value      float64
}

// RecordClaimApproval applies the insurer's adjudication. When the glosed
// remainder is positive a rejection is opened for each supplied glosa; when
// none is supplied a single administrative rejection covering the remainder
// is synthesized, so every glosed cent is disputable.
func (s *Service) RecordClaimApproval(ctx context.Context, id uuid.UUID, approved float64, glosas []GlosaInput, rev int) (*Claim, error) {
	c, err := s.claims.GetWithItems(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkRevision(rev, c.Revision); err != nil {
		return nil, err
	}
	if err := c.RecordApproval(approved); err != nil {
		return nil, err
	}

	var created []*Rejection
	if c.GlosedAmount > 0 {
		if len(glosas) == 0 {
			glosas = []GlosaInput{{
				Class:  GlosaAdministrative,
				Code:   "AUTO",
				Reason: "amount reduced by insurer adjudication",
				Value:  c.GlosedAmount,
			}}
		}
		var sum float64
		for _, g := range glosas {
			sum += g.Value
		}
		if !amountsEqual(sum, c.GlosedAmount) {
			return nil, ErrInconsistentAmounts
		}
		// Each rejection's original value is the amount that glosa disputes,
		// not the claim total.
		for _, g := range glosas {
			rj, err := NewRejection(c.ID, g.LineItemID, g.Class, g.Code, g.Reason, g.Value, g.Value)
			if err != nil {
				return nil, err
			}
			created = append(created, rj)
		}
	}

	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.claims.Update(ctx, c); err != nil {
			return err
		}
		for _, rj := range created {
			if err := s.rejections.Create(ctx, rj); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, rj := range created {
		s.publish(EventRejectionCreated, "Rejection", rj.ID, rj)
	}
	if len(created) > 0 {
		s.invalidate(ctx, cacheKeyOpenRejections)
	}
	return c, nil
}

// RecordClaimRejection records a full denial and opens a rejection covering
// the whole claim total.
func (s *Service) RecordClaimRejection(ctx context.Context, id uuid.UUID, g GlosaInput, rev int) (*Claim, error) {
	c, err := s.claims.GetWithItems(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkRevision(rev, c.Revision); err != nil {
		return nil, err
	}
	if err := c.RecordRejection(g.Reason); err != nil {
		return nil, err
	}
	rj, err := NewRejection(c.ID, g.LineItemID, g.Class, g.Code, g.Reason, c.TotalAmount, c.TotalAmount)
	if err != nil {
		return nil, err
	}
	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.claims.Update(ctx, c); err != nil {
			return err
		}
		return s.rejections.Create(ctx, rj)
	})
	if err != nil {
		return nil, err
	}
	s.publish(EventRejectionCreated, "Rejection", rj.ID, rj)
	s.invalidate(ctx, cacheKeyOpenRejections)
	return c, nil
}

func (s *Service) MarkClaimPaid(ctx context.Context, id uuid.UUID, rev int) (*Claim, error) {
	c, err := s.claims.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkRevision(rev, c.Revision); err != nil {
		return nil, err
	}
	if err := c.MarkPaid(); err != nil {
		return nil, err
	}
	if err := s.claims.Update(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// -- Rejection / appeal lifecycle --

func (s *Service) GetRejection(ctx context.Context, id uuid.UUID) (*Rejection, error) {
	return s.rejections.GetWithAppeals(ctx, id)
}

func (s *Service) ListRejectionsByClaim(ctx context.Context, claimID uuid.UUID, limit, offset int) ([]*Rejection, int, error) {
	return s.rejections.ListByClaim(ctx, claimID, limit, offset)
}

// ListOpenRejections returns rejections still awaiting an outcome, for the
// dashboard and SLA tracking.
func (s *Service) ListOpenRejections(ctx context.Context, limit, offset int) ([]*Rejection, int, error) {
	return s.rejections.ListOpen(ctx, limit, offset)
}

// OpenRejectionCount serves the dashboard counter through the cache.
func (s *Service) OpenRejectionCount(ctx context.Context) (int, error) {
	if s.cache != nil {
		if raw, ok := s.cache.Get(ctx, cacheKeyOpenRejections); ok {
			var n int
			if _, err := fmt.Sscanf(string(raw), "%d", &n); err == nil {
				return n, nil
			}
		}
	}
	_, total, err := s.rejections.ListOpen(ctx, 1, 0)
	if err != nil {
		return 0, err
	}
	if s.cache != nil {
		s.cache.Set(ctx, cacheKeyOpenRejections, []byte(fmt.Sprintf("%d", total)), cacheTTL)
	}
	return total, nil
}

func (s *Service) BeginRejectionReview(ctx context.Context, id uuid.UUID, rev int) (*Rejection, error) {
	rj, err := s.rejections.GetWithAppeals(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkRevision(rev, rj.Revision); err != nil {
		return nil, err
	}
	if err := rj.BeginReview(); err != nil {
		return nil, err
	}
	if err := s.rejections.Update(ctx, rj); err != nil {
		return nil, err
	}
	return rj, nil
}

func (s *Service) FileAppeal(ctx context.Context, rejectionID uuid.UUID, justification string, rev int) (*Appeal, error) {
	rj, err := s.rejections.GetWithAppeals(ctx, rejectionID)
	if err != nil {
		return nil, err
	}
	if err := checkRevision(rev, rj.Revision); err != nil {
		return nil, err
	}
	a, err := rj.FileAppeal(justification, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.rejections.AddAppeal(ctx, a); err != nil {
		return nil, err
	}
	if err := s.rejections.Update(ctx, rj); err != nil {
		return nil, err
	}
	return a, nil
}

// GrantAppeal resolves the pending appeal in the clinic's favour. The claim's
// recorded adjudication is left untouched: the restored amount lives on the
// rejection/appeal ledger.
func (s *Service) GrantAppeal(ctx context.Context, rejectionID uuid.UUID, restored *float64, rev int) (*Rejection, error) {
	rj, err := s.rejections.GetWithAppeals(ctx, rejectionID)
	if err != nil {
		return nil, err
	}
	if err := checkRevision(rev, rj.Revision); err != nil {
		return nil, err
	}
	if err := rj.GrantAppeal(restored, s.now()); err != nil {
		return nil, err
	}
	if err := s.rejections.Update(ctx, rj); err != nil {
		return nil, err
	}
	if a := latestResolved(rj); a != nil {
		if err := s.rejections.UpdateAppeal(ctx, a); err != nil {
			return nil, err
		}
	}
	s.publish(EventAppealResolved, "Rejection", rj.ID, rj)
	s.invalidate(ctx, cacheKeyOpenRejections)
	return rj, nil
}

// latestResolved returns the most recently resolved appeal, i.e. the one the
// grant or denial just closed.
func latestResolved(rj *Rejection) *Appeal {
	for i := len(rj.Appeals) - 1; i >= 0; i-- {
		if rj.Appeals[i].Outcome != AppealPending {
			return rj.Appeals[i]
		}
	}
	return nil
}

func (s *Service) DenyAppeal(ctx context.Context, rejectionID uuid.UUID, note string, rev int) (*Rejection, error) {
	rj, err := s.rejections.GetWithAppeals(ctx, rejectionID)
	if err != nil {
		return nil, err
	}
	if err := checkRevision(rev, rj.Revision); err != nil {
		return nil, err
	}
	if err := rj.DenyAppeal(note, s.now()); err != nil {
		return nil, err
	}
	if err := s.rejections.Update(ctx, rj); err != nil {
		return nil, err
	}
	if a := latestResolved(rj); a != nil {
		if err := s.rejections.UpdateAppeal(ctx, a); err != nil {
			return nil, err
		}
	}
	s.publish(EventAppealResolved, "Rejection", rj.ID, rj)
	return rj, nil
}

func (s *Service) AcceptRejection(ctx context.Context, id uuid.UUID, rev int) (*Rejection, error) {
	rj, err := s.rejections.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkRevision(rev, rj.Revision); err != nil {
		return nil, err
	}
	if err := rj.Accept(); err != nil {
		return nil, err
	}
	if err := s.rejections.Update(ctx, rj); err != nil {
		return nil, err
	}
	s.invalidate(ctx, cacheKeyOpenRejections)
	return rj, nil
}
