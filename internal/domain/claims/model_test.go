package claims

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func draftClaim(t *testing.T, itemTotals ...float64) *Claim {
	t.Helper()
	c := &Claim{
		ID:          uuid.New(),
		EpisodeID:   uuid.New(),
		CoverageID:  uuid.New(),
		Type:        ClaimTypeConsultation,
		ServiceDate: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		Status:      ClaimDraft,
	}
	for i, total := range itemTotals {
		li := &LineItem{
			ID:          uuid.New(),
			Code:        "40101012",
			Description: "procedure",
			Quantity:    1,
			UnitPrice:   total,
		}
		if err := c.AddLineItem(li); err != nil {
			t.Fatalf("AddLineItem(%d): %v", i, err)
		}
	}
	return c
}

func sentClaim(t *testing.T, itemTotals ...float64) *Claim {
	t.Helper()
	c := draftClaim(t, itemTotals...)
	if err := c.MarkSent(); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	return c
}

func TestClaim_AddLineItem(t *testing.T) {
	c := draftClaim(t)

	li := &LineItem{ID: uuid.New(), Code: "10101012", Description: "office visit", Quantity: 2, UnitPrice: 50}
	if err := c.AddLineItem(li); err != nil {
		t.Fatalf("AddLineItem: %v", err)
	}

	if li.Total != 100 {
		t.Errorf("expected item total 100, got %v", li.Total)
	}
	if li.ClaimID != c.ID {
		t.Error("expected item to be stamped with claim ID")
	}
	if c.TotalAmount != 100 {
		t.Errorf("expected claim total 100, got %v", c.TotalAmount)
	}
}

func TestClaim_AddLineItem_Validation(t *testing.T) {
	c := draftClaim(t)

	cases := []struct {
		name string
		item *LineItem
		want error
	}{
		{"empty description", &LineItem{Code: "x", Description: "  ", Quantity: 1, UnitPrice: 10}, ErrMissingReason},
		{"zero quantity", &LineItem{Code: "x", Description: "d", Quantity: 0, UnitPrice: 10}, ErrNegativeAmount},
		{"negative price", &LineItem{Code: "x", Description: "d", Quantity: 1, UnitPrice: -1}, ErrNegativeAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := c.AddLineItem(tc.item); !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestClaim_AddLineItem_AfterSendRefused(t *testing.T) {
	c := sentClaim(t, 100)
	li := &LineItem{Code: "x", Description: "d", Quantity: 1, UnitPrice: 10}
	if err := c.AddLineItem(li); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestClaim_RemoveLineItem(t *testing.T) {
	c := draftClaim(t, 100, 50)
	itemID := c.Items[0].ID

	if err := c.RemoveLineItem(itemID); err != nil {
		t.Fatalf("RemoveLineItem: %v", err)
	}
	if c.TotalAmount != 50 {
		t.Errorf("expected total 50 after removal, got %v", c.TotalAmount)
	}
	if err := c.RemoveLineItem(itemID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for removed item, got %v", err)
	}
}

func TestClaim_MarkSent_EmptyRefused(t *testing.T) {
	c := draftClaim(t)
	if err := c.MarkSent(); !errors.Is(err, ErrEmptyClaim) {
		t.Errorf("expected ErrEmptyClaim, got %v", err)
	}
}

func TestClaim_RecordApproval_Full(t *testing.T) {
	c := sentClaim(t, 100, 50)

	if err := c.RecordApproval(150); err != nil {
		t.Fatalf("RecordApproval: %v", err)
	}
	if c.Status != ClaimApproved {
		t.Errorf("expected approved, got %s", c.Status)
	}
	if c.GlosedAmount != 0 {
		t.Errorf("expected no glosed amount, got %v", c.GlosedAmount)
	}
}

func TestClaim_RecordApproval_Partial(t *testing.T) {
	c := sentClaim(t, 100, 50)

	if err := c.RecordApproval(120); err != nil {
		t.Fatalf("RecordApproval: %v", err)
	}
	if c.Status != ClaimPartiallyApproved {
		t.Errorf("expected partially_approved, got %s", c.Status)
	}
	if c.ApprovedAmount+c.GlosedAmount != c.TotalAmount {
		t.Errorf("approved %v + glosed %v != total %v", c.ApprovedAmount, c.GlosedAmount, c.TotalAmount)
	}
}

func TestClaim_RecordApproval_ExceedsTotal(t *testing.T) {
	c := sentClaim(t, 100)
	if err := c.RecordApproval(150); !errors.Is(err, ErrAmountExceedsTotal) {
		t.Errorf("expected ErrAmountExceedsTotal, got %v", err)
	}
	if c.Status != ClaimSent {
		t.Errorf("failed approval must not change status, got %s", c.Status)
	}
}

func TestClaim_RecordRejection(t *testing.T) {
	c := sentClaim(t, 200)

	if err := c.RecordRejection("missing authorization"); err != nil {
		t.Fatalf("RecordRejection: %v", err)
	}
	if c.Status != ClaimRejected {
		t.Errorf("expected rejected, got %s", c.Status)
	}
	if c.GlosedAmount != 200 || c.ApprovedAmount != 0 {
		t.Errorf("expected full denial amounts, got approved=%v glosed=%v", c.ApprovedAmount, c.GlosedAmount)
	}

	c2 := sentClaim(t, 200)
	if err := c2.RecordRejection("   "); !errors.Is(err, ErrMissingReason) {
		t.Errorf("expected ErrMissingReason for blank reason, got %v", err)
	}
}

func TestClaim_MarkPaid(t *testing.T) {
	c := sentClaim(t, 100)
	if err := c.MarkPaid(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState before adjudication, got %v", err)
	}

	if err := c.RecordApproval(100); err != nil {
		t.Fatalf("RecordApproval: %v", err)
	}
	if err := c.MarkPaid(); err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	if c.Status != ClaimPaid {
		t.Errorf("expected paid, got %s", c.Status)
	}

	rejected := sentClaim(t, 100)
	rejected.RecordRejection("denied")
	if err := rejected.MarkPaid(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("rejected claim must not be payable, got %v", err)
	}
}

func newDraftBatch() *Batch {
	return &Batch{
		ID:         uuid.New(),
		ClinicID:   uuid.New(),
		InsurerID:  uuid.New(),
		SequenceNo: 1,
		Status:     BatchDraft,
	}
}

func TestBatch_AddClaim(t *testing.T) {
	b := newDraftBatch()
	c := &Claim{ID: uuid.New(), Status: ClaimDraft}

	if err := b.AddClaim(c); err != nil {
		t.Fatalf("AddClaim: %v", err)
	}
	if c.BatchID == nil || *c.BatchID != b.ID {
		t.Error("expected claim to be stamped with batch ID")
	}

	if err := b.AddClaim(c); !errors.Is(err, ErrDuplicateClaim) {
		t.Errorf("expected ErrDuplicateClaim, got %v", err)
	}

	other := newDraftBatch()
	if err := other.AddClaim(c); !errors.Is(err, ErrDuplicateClaim) {
		t.Errorf("a claim joins exactly one batch, got %v", err)
	}
}

func TestBatch_RemoveClaim(t *testing.T) {
	b := newDraftBatch()
	c := &Claim{ID: uuid.New(), Status: ClaimDraft}
	if err := b.AddClaim(c); err != nil {
		t.Fatalf("AddClaim: %v", err)
	}

	if err := b.RemoveClaim(c.ID); err != nil {
		t.Fatalf("RemoveClaim: %v", err)
	}
	if c.BatchID != nil {
		t.Error("expected batch stamp cleared on removal")
	}
	if err := b.RemoveClaim(c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestBatch_Total(t *testing.T) {
	b := newDraftBatch()
	b.Claims = []*Claim{
		{ID: uuid.New(), TotalAmount: 120.50},
		{ID: uuid.New(), TotalAmount: 79.50},
	}
	if got := b.Total(); got != 200 {
		t.Errorf("expected total 200, got %v", got)
	}
}

func TestBatch_MarkReadyToSend_EmptyRefused(t *testing.T) {
	b := newDraftBatch()
	if err := b.MarkReadyToSend(); !errors.Is(err, ErrEmptyBatch) {
		t.Errorf("expected ErrEmptyBatch, got %v", err)
	}
}

func TestBatch_Submit_RequiresArtifact(t *testing.T) {
	b := newDraftBatch()
	b.Claims = []*Claim{{ID: uuid.New()}}
	if err := b.MarkReadyToSend(); err != nil {
		t.Fatalf("MarkReadyToSend: %v", err)
	}

	if err := b.Submit("PROTO-1", time.Now()); !errors.Is(err, ErrMissingArtifact) {
		t.Errorf("expected ErrMissingArtifact, got %v", err)
	}

	if err := b.AttachArtifact("batch-0001.json", "abc123"); err != nil {
		t.Fatalf("AttachArtifact: %v", err)
	}
	now := time.Now()
	if err := b.Submit("PROTO-1", now); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if b.Status != BatchSent {
		t.Errorf("expected sent, got %s", b.Status)
	}
	if b.SubmittedAt == nil || !b.SubmittedAt.Equal(now) {
		t.Error("expected submission timestamp recorded")
	}
	if b.ProtocolID == nil || *b.ProtocolID != "PROTO-1" {
		t.Error("expected protocol ID recorded")
	}
}

func TestBatch_MembershipClosedAfterSubmit(t *testing.T) {
	b := newDraftBatch()
	b.Claims = []*Claim{{ID: uuid.New()}}
	b.AttachArtifact("batch-0001.json", "abc")
	if err := b.Submit("", time.Now()); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := b.AddClaim(&Claim{ID: uuid.New()}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState adding to sent batch, got %v", err)
	}
	if err := b.RemoveClaim(b.Claims[0].ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState removing from sent batch, got %v", err)
	}
}

func TestBatch_RecordResponse(t *testing.T) {
	cases := []struct {
		name             string
		approved, glosed float64
		want             BatchStatus
	}{
		{"fully approved", 300, 0, BatchProcessed},
		{"partially approved", 200, 100, BatchPartiallyPaid},
		{"fully denied", 0, 300, BatchRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := newDraftBatch()
			b.Claims = []*Claim{{ID: uuid.New()}}
			b.AttachArtifact("a.json", "x")
			b.Submit("", time.Now())
			b.MarkProcessing()

			if err := b.RecordResponse(tc.approved, tc.glosed, time.Now()); err != nil {
				t.Fatalf("RecordResponse: %v", err)
			}
			if b.Status != tc.want {
				t.Errorf("expected %s, got %s", tc.want, b.Status)
			}
			if b.ProcessedAt == nil {
				t.Error("expected processed timestamp")
			}
		})
	}
}

func TestBatch_Reject_BeforeTransmissionRefused(t *testing.T) {
	b := newDraftBatch()
	if err := b.Reject(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestNewRejection_Validation(t *testing.T) {
	claimID := uuid.New()

	if _, err := NewRejection(claimID, nil, GlosaFinancial, "G01", "price disagreement", 100, 120); !errors.Is(err, ErrInconsistentAmounts) {
		t.Errorf("rejected value above original must fail, got %v", err)
	}
	if _, err := NewRejection(claimID, nil, GlosaFinancial, "G01", "", 100, 50); !errors.Is(err, ErrMissingReason) {
		t.Errorf("blank reason must fail, got %v", err)
	}
	if _, err := NewRejection(claimID, nil, GlosaFinancial, "G01", "x", -1, 0); !errors.Is(err, ErrNegativeAmount) {
		t.Errorf("negative amount must fail, got %v", err)
	}

	if _, err := NewRejection(claimID, nil, GlosaClass("bogus"), "G01", "reason", 100, 50); !errors.Is(err, ErrInvalidGlosaClass) {
		t.Errorf("unknown class must fail, got %v", err)
	}

	rj, err := NewRejection(claimID, nil, GlosaFinancial, "G01", "reason", 100, 50)
	if err != nil {
		t.Fatalf("NewRejection: %v", err)
	}
	if rj.Class != GlosaFinancial {
		t.Errorf("expected financial class preserved, got %s", rj.Class)
	}
	if rj.Status != RejectionNew {
		t.Errorf("expected new, got %s", rj.Status)
	}
}

func TestRejection_AppealGrant_FullRestore(t *testing.T) {
	rj, _ := NewRejection(uuid.New(), nil, GlosaTechnical, "T02", "coding error", 100, 80)

	if _, err := rj.FileAppeal("codes corrected per contract", time.Now()); err != nil {
		t.Fatalf("FileAppeal: %v", err)
	}
	if err := rj.GrantAppeal(nil, time.Now()); err != nil {
		t.Fatalf("GrantAppeal: %v", err)
	}
	if rj.RejectedValue != 0 {
		t.Errorf("nil restore must reverse the full rejected value, got %v", rj.RejectedValue)
	}
	if rj.Status != RejectionAppealGranted {
		t.Errorf("expected appeal_granted, got %s", rj.Status)
	}
	if rj.Open() {
		t.Error("granted rejection must be closed")
	}

	appeal := rj.Appeals[0]
	if appeal.Outcome != AppealGranted || appeal.RestoredAmount == nil || *appeal.RestoredAmount != 80 {
		t.Errorf("unexpected appeal resolution: %+v", appeal)
	}
}

func TestRejection_AppealGrant_ClampsAtRejectedValue(t *testing.T) {
	rj, _ := NewRejection(uuid.New(), nil, GlosaFinancial, "F01", "table price", 100, 60)
	rj.FileAppeal("contracted rate applies", time.Now())

	restored := 500.0
	if err := rj.GrantAppeal(&restored, time.Now()); err != nil {
		t.Fatalf("GrantAppeal: %v", err)
	}
	if rj.RejectedValue != 0 {
		t.Errorf("restore above rejected value must clamp, got remaining %v", rj.RejectedValue)
	}
	if *rj.Appeals[0].RestoredAmount != 60 {
		t.Errorf("expected clamped restore 60, got %v", *rj.Appeals[0].RestoredAmount)
	}
}

func TestRejection_AppealGrant_Partial(t *testing.T) {
	rj, _ := NewRejection(uuid.New(), nil, GlosaFinancial, "F01", "table price", 100, 60)
	rj.FileAppeal("partial evidence", time.Now())

	restored := 25.0
	if err := rj.GrantAppeal(&restored, time.Now()); err != nil {
		t.Fatalf("GrantAppeal: %v", err)
	}
	if rj.RejectedValue != 35 {
		t.Errorf("expected remaining 35, got %v", rj.RejectedValue)
	}
}

func TestRejection_ReAppealAfterDenial(t *testing.T) {
	rj, _ := NewRejection(uuid.New(), nil, GlosaAdministrative, "A01", "missing form", 100, 100)

	if _, err := rj.FileAppeal("form attached", time.Now()); err != nil {
		t.Fatalf("FileAppeal: %v", err)
	}
	if err := rj.DenyAppeal("form illegible", time.Now()); err != nil {
		t.Fatalf("DenyAppeal: %v", err)
	}
	if rj.Status != RejectionAppealDenied {
		t.Fatalf("expected appeal_denied, got %s", rj.Status)
	}
	if !rj.Open() {
		t.Error("denied rejection must remain open")
	}

	// Denial permits a second round.
	if _, err := rj.FileAppeal("legible scan attached", time.Now()); err != nil {
		t.Fatalf("re-appeal: %v", err)
	}
	if err := rj.GrantAppeal(nil, time.Now()); err != nil {
		t.Fatalf("GrantAppeal on re-appeal: %v", err)
	}
	if len(rj.Appeals) != 2 {
		t.Fatalf("expected 2 appeals, got %d", len(rj.Appeals))
	}
	if rj.Appeals[0].Outcome != AppealDenied || rj.Appeals[1].Outcome != AppealGranted {
		t.Errorf("unexpected appeal outcomes: %s, %s", rj.Appeals[0].Outcome, rj.Appeals[1].Outcome)
	}
}

func TestRejection_TerminalStatesRefuseAppeal(t *testing.T) {
	rj, _ := NewRejection(uuid.New(), nil, GlosaAdministrative, "A01", "r", 50, 50)
	rj.FileAppeal("j", time.Now())
	rj.GrantAppeal(nil, time.Now())

	if _, err := rj.FileAppeal("again", time.Now()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("granted rejection must refuse further appeals, got %v", err)
	}
	if err := rj.Accept(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("granted rejection must refuse acceptance, got %v", err)
	}
}

func TestRejection_Accept(t *testing.T) {
	rj, _ := NewRejection(uuid.New(), nil, GlosaAdministrative, "A01", "r", 50, 50)
	if err := rj.Accept(); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if rj.Status != RejectionAccepted {
		t.Errorf("expected accepted, got %s", rj.Status)
	}
	if rj.Open() {
		t.Error("accepted rejection must be closed")
	}
}

func TestRejection_BlankJustificationRefused(t *testing.T) {
	rj, _ := NewRejection(uuid.New(), nil, GlosaAdministrative, "A01", "r", 50, 50)
	if _, err := rj.FileAppeal("  ", time.Now()); !errors.Is(err, ErrMissingReason) {
		t.Errorf("expected ErrMissingReason, got %v", err)
	}
}
