package claims

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Claim lifecycle: Draft → Sent → {Approved | PartiallyApproved | Rejected} → Paid.
type ClaimStatus string

const (
	ClaimDraft             ClaimStatus = "draft"
	ClaimSent              ClaimStatus = "sent"
	ClaimApproved          ClaimStatus = "approved"
	ClaimPartiallyApproved ClaimStatus = "partially_approved"
	ClaimRejected          ClaimStatus = "rejected"
	ClaimPaid              ClaimStatus = "paid"
)

// Batch lifecycle: Draft → ReadyToSend → Sent → Processing →
// {Processed | PartiallyPaid | Rejected} → Paid.
type BatchStatus string

const (
	BatchDraft         BatchStatus = "draft"
	BatchReadyToSend   BatchStatus = "ready_to_send"
	BatchSent          BatchStatus = "sent"
	BatchProcessing    BatchStatus = "processing"
	BatchProcessed     BatchStatus = "processed"
	BatchPartiallyPaid BatchStatus = "partially_paid"
	BatchRejected      BatchStatus = "rejected"
	BatchPaid          BatchStatus = "paid"
)

// Rejection lifecycle: New → UnderReview → AppealSubmitted →
// {AppealGranted | AppealDenied} → Accepted. AppealGranted and Accepted are
// terminal; AppealDenied admits a re-appeal.
type RejectionStatus string

const (
	RejectionNew             RejectionStatus = "new"
	RejectionUnderReview     RejectionStatus = "under_review"
	RejectionAppealSubmitted RejectionStatus = "appeal_submitted"
	RejectionAppealGranted   RejectionStatus = "appeal_granted"
	RejectionAppealDenied    RejectionStatus = "appeal_denied"
	RejectionAccepted        RejectionStatus = "accepted"
)

type ClaimType string

const (
	ClaimTypeConsultation    ClaimType = "consultation"
	ClaimTypeAncillary       ClaimType = "ancillary"
	ClaimTypeHospitalization ClaimType = "hospitalization"
	ClaimTypeFee             ClaimType = "fee"
	ClaimTypeDental          ClaimType = "dental"
)

var validClaimTypes = map[ClaimType]bool{
	ClaimTypeConsultation:    true,
	ClaimTypeAncillary:       true,
	ClaimTypeHospitalization: true,
	ClaimTypeFee:             true,
	ClaimTypeDental:          true,
}

// GlosaClass categorises an insurer rejection.
type GlosaClass string

const (
	GlosaAdministrative GlosaClass = "administrative"
	GlosaTechnical      GlosaClass = "technical"
	GlosaFinancial      GlosaClass = "financial"
)

var validGlosaClasses = map[GlosaClass]bool{
	GlosaAdministrative: true,
	GlosaTechnical:      true,
	GlosaFinancial:      true,
}

type AppealOutcome string

const (
	AppealPending AppealOutcome = "pending"
	AppealGranted AppealOutcome = "granted"
	AppealDenied  AppealOutcome = "denied"
)

// LineItem is one billed procedure within a claim. Line items are owned
// exclusively by their claim and can only change while the claim is in draft.
type LineItem struct {
	ID          uuid.UUID `db:"id" json:"id"`
	ClaimID     uuid.UUID `db:"claim_id" json:"claim_id"`
	Code        string    `db:"code" json:"code"`
	Description string    `db:"description" json:"description"`
	Quantity    int       `db:"quantity" json:"quantity"`
	UnitPrice   float64   `db:"unit_price" json:"unit_price"`
	Total       float64   `db:"total" json:"total"`
	BillInsurer bool      `db:"bill_insurer" json:"bill_insurer"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Claim (a "guide" in insurer terminology) aggregates the line items billed
// for one service episode under one coverage. TotalAmount is a cached rollup
// recomputed on every line-item mutation; ApprovedAmount and GlosedAmount are
// set once by the adjudication response, after which GlosedAmount moves only
// through the rejection/appeal ledger.
type Claim struct {
	ID             uuid.UUID   `db:"id" json:"id"`
	BatchID        *uuid.UUID  `db:"batch_id" json:"batch_id,omitempty"`
	EpisodeID      uuid.UUID   `db:"episode_id" json:"episode_id"`
	CoverageID     uuid.UUID   `db:"coverage_id" json:"coverage_id"`
	Type           ClaimType   `db:"type" json:"type"`
	ServiceDate    time.Time   `db:"service_date" json:"service_date"`
	Status         ClaimStatus `db:"status" json:"status"`
	TotalAmount    float64     `db:"total_amount" json:"total_amount"`
	ApprovedAmount float64     `db:"approved_amount" json:"approved_amount"`
	GlosedAmount   float64     `db:"glosed_amount" json:"glosed_amount"`
	RejectReason   *string     `db:"reject_reason" json:"reject_reason,omitempty"`
	Revision       int         `db:"revision" json:"revision"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time   `db:"updated_at" json:"updated_at"`

	Items []*LineItem `db:"-" json:"items,omitempty"`
}

func (c *Claim) recomputeTotal() {
	var sum float64
	for _, li := range c.Items {
		sum += li.Total
	}
	c.TotalAmount = sum
}

// AddLineItem appends a line item and recomputes the claim total.
// Only permitted while the claim is in draft.
func (c *Claim) AddLineItem(li *LineItem) error {
	if c.Status != ClaimDraft {
		return ErrInvalidState
	}
	if strings.TrimSpace(li.Description) == "" {
		return ErrMissingReason
	}
	if li.Quantity <= 0 {
		return ErrNegativeAmount
	}
	if li.UnitPrice < 0 {
		return ErrNegativeAmount
	}
	li.ClaimID = c.ID
	li.Total = float64(li.Quantity) * li.UnitPrice
	c.Items = append(c.Items, li)
	c.recomputeTotal()
	return nil
}

// RemoveLineItem removes a line item by ID and recomputes the claim total.
// Only permitted while the claim is in draft.
func (c *Claim) RemoveLineItem(itemID uuid.UUID) error {
	if c.Status != ClaimDraft {
		return ErrInvalidState
	}
	for i, li := range c.Items {
		if li.ID == itemID {
			c.Items = append(c.Items[:i], c.Items[i+1:]...)
			c.recomputeTotal()
			return nil
		}
	}
	return ErrNotFound
}

// MarkSent transitions Draft → Sent. A claim with no line items cannot be sent.
func (c *Claim) MarkSent() error {
	if c.Status != ClaimDraft {
		return ErrInvalidState
	}
	if len(c.Items) == 0 {
		return ErrEmptyClaim
	}
	c.Status = ClaimSent
	return nil
}

// RecordApproval records the insurer's adjudication of a sent claim.
// GlosedAmount is set to the unfunded remainder so that
// ApprovedAmount + GlosedAmount == TotalAmount at this instant.
func (c *Claim) RecordApproval(approved float64) error {
	if c.Status != ClaimSent {
		return ErrInvalidState
	}
	if approved < 0 {
		return ErrNegativeAmount
	}
	if approved > c.TotalAmount {
		return ErrAmountExceedsTotal
	}
	c.ApprovedAmount = approved
	c.GlosedAmount = c.TotalAmount - approved
	if c.GlosedAmount == 0 {
		c.Status = ClaimApproved
	} else {
		c.Status = ClaimPartiallyApproved
	}
	return nil
}

// RecordRejection records a full denial of a sent claim.
func (c *Claim) RecordRejection(reason string) error {
	if c.Status != ClaimSent {
		return ErrInvalidState
	}
	if strings.TrimSpace(reason) == "" {
		return ErrMissingReason
	}
	c.ApprovedAmount = 0
	c.GlosedAmount = c.TotalAmount
	c.RejectReason = &reason
	c.Status = ClaimRejected
	return nil
}

// MarkPaid transitions an adjudicated claim to Paid. A fully rejected claim
// must go through the rejection/appeal path first.
func (c *Claim) MarkPaid() error {
	if c.Status != ClaimApproved && c.Status != ClaimPartiallyApproved {
		return ErrInvalidState
	}
	c.Status = ClaimPaid
	return nil
}

// Batch groups claims destined for one insurer in one transmission cycle.
// Its total is always recomputed from the member claims, never stored;
// ApprovedTotal/GlosedTotal mirror the insurer's batch-level response and are
// reconciled against the claim-level amounts by the service layer.
type Batch struct {
	ID             uuid.UUID   `db:"id" json:"id"`
	ClinicID       uuid.UUID   `db:"clinic_id" json:"clinic_id"`
	InsurerID      uuid.UUID   `db:"insurer_id" json:"insurer_id"`
	SequenceNo     int         `db:"sequence_no" json:"sequence_no"`
	Status         BatchStatus `db:"status" json:"status"`
	ArtifactName   *string     `db:"artifact_name" json:"artifact_name,omitempty"`
	ArtifactSHA256 *string     `db:"artifact_sha256" json:"artifact_sha256,omitempty"`
	ProtocolID     *string     `db:"protocol_id" json:"protocol_id,omitempty"`
	ApprovedTotal  *float64    `db:"approved_total" json:"approved_total,omitempty"`
	GlosedTotal    *float64    `db:"glosed_total" json:"glosed_total,omitempty"`
	SubmittedAt    *time.Time  `db:"submitted_at" json:"submitted_at,omitempty"`
	ProcessedAt    *time.Time  `db:"processed_at" json:"processed_at,omitempty"`
	Revision       int         `db:"revision" json:"revision"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time   `db:"updated_at" json:"updated_at"`

	Claims []*Claim `db:"-" json:"claims,omitempty"`
}

// Total returns the batch total recomputed from the member claims.
func (b *Batch) Total() float64 {
	var sum float64
	for _, c := range b.Claims {
		sum += c.TotalAmount
	}
	return sum
}

func (b *Batch) membershipOpen() bool {
	return b.Status == BatchDraft || b.Status == BatchReadyToSend
}

// AddClaim adds a claim to the batch. Membership changes are only allowed
// while the batch is in Draft or ReadyToSend, and a claim joins exactly one
// batch for its lifetime.
func (b *Batch) AddClaim(c *Claim) error {
	if !b.membershipOpen() {
		return ErrInvalidState
	}
	if c.BatchID != nil {
		return ErrDuplicateClaim
	}
	for _, member := range b.Claims {
		if member.ID == c.ID {
			return ErrDuplicateClaim
		}
	}
	id := b.ID
	c.BatchID = &id
	b.Claims = append(b.Claims, c)
	return nil
}

// RemoveClaim removes a claim from the batch while membership is still open.
func (b *Batch) RemoveClaim(claimID uuid.UUID) error {
	if !b.membershipOpen() {
		return ErrInvalidState
	}
	for i, c := range b.Claims {
		if c.ID == claimID {
			c.BatchID = nil
			b.Claims = append(b.Claims[:i], b.Claims[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// MarkReadyToSend transitions Draft → ReadyToSend. An empty batch cannot be
// marked ready.
func (b *Batch) MarkReadyToSend() error {
	if b.Status != BatchDraft {
		return ErrInvalidState
	}
	if len(b.Claims) == 0 {
		return ErrEmptyBatch
	}
	b.Status = BatchReadyToSend
	return nil
}

// AttachArtifact records the generated submission artifact and moves the
// batch to ReadyToSend as a side effect.
func (b *Batch) AttachArtifact(name, sha256Hex string) error {
	if b.Status != BatchDraft && b.Status != BatchReadyToSend {
		return ErrInvalidState
	}
	if len(b.Claims) == 0 {
		return ErrEmptyBatch
	}
	b.ArtifactName = &name
	b.ArtifactSHA256 = &sha256Hex
	b.Status = BatchReadyToSend
	return nil
}

// Submit transitions ReadyToSend → Sent, recording the submission timestamp
// and the transport protocol identifier when one is already known.
func (b *Batch) Submit(protocolID string, now time.Time) error {
	if b.Status != BatchReadyToSend {
		return ErrInvalidState
	}
	if b.ArtifactName == nil {
		return ErrMissingArtifact
	}
	if protocolID != "" {
		b.ProtocolID = &protocolID
	}
	b.SubmittedAt = &now
	b.Status = BatchSent
	return nil
}

// MarkProcessing transitions Sent → Processing.
func (b *Batch) MarkProcessing() error {
	if b.Status != BatchSent {
		return ErrInvalidState
	}
	b.Status = BatchProcessing
	return nil
}

// RecordResponse records the insurer's batch-level rollup. The authoritative
// amounts live on the claims; callers reconcile against them separately.
func (b *Batch) RecordResponse(approvedTotal, glosedTotal float64, now time.Time) error {
	if b.Status != BatchSent && b.Status != BatchProcessing {
		return ErrInvalidState
	}
	if approvedTotal < 0 || glosedTotal < 0 {
		return ErrNegativeAmount
	}
	b.ApprovedTotal = &approvedTotal
	b.GlosedTotal = &glosedTotal
	b.ProcessedAt = &now
	switch {
	case glosedTotal == 0:
		b.Status = BatchProcessed
	case approvedTotal == 0:
		b.Status = BatchRejected
	default:
		b.Status = BatchPartiallyPaid
	}
	return nil
}

// MarkPaid transitions Processed or PartiallyPaid → Paid.
func (b *Batch) MarkPaid() error {
	if b.Status != BatchProcessed && b.Status != BatchPartiallyPaid {
		return ErrInvalidState
	}
	b.Status = BatchPaid
	return nil
}

// Reject marks the whole batch rejected. A batch must have been transmitted
// before it can be rejected.
func (b *Batch) Reject() error {
	if b.Status == BatchDraft || b.Status == BatchReadyToSend {
		return ErrInvalidState
	}
	b.Status = BatchRejected
	return nil
}

// Rejection (a "glosa") records one insurer denial or reduction against a
// claim, optionally scoped to a single line item. RejectedValue is the amount
// still in dispute; appeal grants reduce it, never below zero and never above
// OriginalValue.
type Rejection struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	ClaimID       uuid.UUID       `db:"claim_id" json:"claim_id"`
	LineItemID    *uuid.UUID      `db:"line_item_id" json:"line_item_id,omitempty"`
	Class         GlosaClass      `db:"class" json:"class"`
	Code          string          `db:"code" json:"code"`
	Reason        string          `db:"reason" json:"reason"`
	OriginalValue float64         `db:"original_value" json:"original_value"`
	RejectedValue float64         `db:"rejected_value" json:"rejected_value"`
	Status        RejectionStatus `db:"status" json:"status"`
	Revision      int             `db:"revision" json:"revision"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`

	Appeals []*Appeal `db:"-" json:"appeals,omitempty"`
}

// Appeal is a formal dispute filed against a rejection. It is immutable once
// resolved; the restored amount is recorded only when the appeal is granted.
type Appeal struct {
	ID             uuid.UUID     `db:"id" json:"id"`
	RejectionID    uuid.UUID     `db:"rejection_id" json:"rejection_id"`
	Justification  string        `db:"justification" json:"justification"`
	Outcome        AppealOutcome `db:"outcome" json:"outcome"`
	RestoredAmount *float64      `db:"restored_amount" json:"restored_amount,omitempty"`
	ResolutionNote *string       `db:"resolution_note" json:"resolution_note,omitempty"`
	FiledAt        time.Time     `db:"filed_at" json:"filed_at"`
	ResolvedAt     *time.Time    `db:"resolved_at" json:"resolved_at,omitempty"`
}

// NewRejection validates and builds a rejection in the New state.
func NewRejection(claimID uuid.UUID, lineItemID *uuid.UUID, class GlosaClass, code, reason string, originalValue, rejectedValue float64) (*Rejection, error) {
	if originalValue < 0 || rejectedValue < 0 {
		return nil, ErrNegativeAmount
	}
	if rejectedValue > originalValue {
		return nil, ErrInconsistentAmounts
	}
	if strings.TrimSpace(reason) == "" {
		return nil, ErrMissingReason
	}
	if !validGlosaClasses[class] {
		return nil, ErrInvalidGlosaClass
	}
	return &Rejection{
		ID:            uuid.New(),
		ClaimID:       claimID,
		LineItemID:    lineItemID,
		Class:         class,
		Code:          code,
		Reason:        reason,
		OriginalValue: originalValue,
		RejectedValue: rejectedValue,
		Status:        RejectionNew,
	}, nil
}

// Open reports whether the rejection still awaits a final outcome.
func (r *Rejection) Open() bool {
	switch r.Status {
	case RejectionAppealGranted, RejectionAccepted:
		return false
	}
	return true
}

// BeginReview transitions New → UnderReview.
func (r *Rejection) BeginReview() error {
	if r.Status != RejectionNew {
		return ErrInvalidState
	}
	r.Status = RejectionUnderReview
	return nil
}

// FileAppeal opens a dispute against the rejection. Allowed from New,
// UnderReview, or after a denied appeal (re-appeal); terminal states refuse.
func (r *Rejection) FileAppeal(justification string, now time.Time) (*Appeal, error) {
	switch r.Status {
	case RejectionNew, RejectionUnderReview, RejectionAppealDenied:
	default:
		return nil, ErrInvalidState
	}
	if strings.TrimSpace(justification) == "" {
		return nil, ErrMissingReason
	}
	a := &Appeal{
		ID:            uuid.New(),
		RejectionID:   r.ID,
		Justification: justification,
		Outcome:       AppealPending,
		FiledAt:       now,
	}
	r.Appeals = append(r.Appeals, a)
	r.Status = RejectionAppealSubmitted
	return a, nil
}

func (r *Rejection) pendingAppeal() *Appeal {
	for i := len(r.Appeals) - 1; i >= 0; i-- {
		if r.Appeals[i].Outcome == AppealPending {
			return r.Appeals[i]
		}
	}
	return nil
}

// GrantAppeal resolves the pending appeal in the clinic's favour. A nil
// restored amount reverses the full rejected value; otherwise the rejected
// value is reduced by restored, clamped at zero.
func (r *Rejection) GrantAppeal(restored *float64, now time.Time) error {
	if r.Status != RejectionAppealSubmitted {
		return ErrInvalidState
	}
	if restored != nil && *restored < 0 {
		return ErrNegativeAmount
	}
	amount := r.RejectedValue
	if restored != nil {
		amount = *restored
		if amount > r.RejectedValue {
			amount = r.RejectedValue
		}
	}
	r.RejectedValue -= amount
	if a := r.pendingAppeal(); a != nil {
		a.Outcome = AppealGranted
		a.RestoredAmount = &amount
		a.ResolvedAt = &now
	}
	r.Status = RejectionAppealGranted
	return nil
}

// DenyAppeal resolves the pending appeal against the clinic. The rejected
// value is unchanged and a further re-appeal remains possible.
func (r *Rejection) DenyAppeal(note string, now time.Time) error {
	if r.Status != RejectionAppealSubmitted {
		return ErrInvalidState
	}
	if a := r.pendingAppeal(); a != nil {
		a.Outcome = AppealDenied
		if note != "" {
			a.ResolutionNote = &note
		}
		a.ResolvedAt = &now
	}
	r.Status = RejectionAppealDenied
	return nil
}

// Accept writes off the remaining rejected amount. A rejection whose appeal
// was granted cannot retroactively be accepted.
func (r *Rejection) Accept() error {
	if r.Status == RejectionAppealGranted {
		return ErrInvalidState
	}
	r.Status = RejectionAccepted
	return nil
}
