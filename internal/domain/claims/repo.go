package claims

import (
	"context"

	"github.com/google/uuid"
)

// BatchRepository persists batches. Update performs a compare-and-swap on the
// revision column and returns ErrConcurrentModification on a stale write.
type BatchRepository interface {
	Create(ctx context.Context, b *Batch) error
	GetByID(ctx context.Context, id uuid.UUID) (*Batch, error)
	// GetWithClaims loads the batch together with its member claims and
	// their line items.
	GetWithClaims(ctx context.Context, id uuid.UUID) (*Batch, error)
	Update(ctx context.Context, b *Batch) error
	ListByInsurer(ctx context.Context, insurerID uuid.UUID, limit, offset int) ([]*Batch, int, error)
	List(ctx context.Context, limit, offset int) ([]*Batch, int, error)
}

// ClaimRepository persists claims and their line items.
type ClaimRepository interface {
	Create(ctx context.Context, c *Claim) error
	GetByID(ctx context.Context, id uuid.UUID) (*Claim, error)
	// GetWithItems loads the claim together with its line items.
	GetWithItems(ctx context.Context, id uuid.UUID) (*Claim, error)
	Update(ctx context.Context, c *Claim) error
	ListByBatch(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]*Claim, int, error)
	AddItem(ctx context.Context, li *LineItem) error
	RemoveItem(ctx context.Context, itemID uuid.UUID) error
	GetItems(ctx context.Context, claimID uuid.UUID) ([]*LineItem, error)
}

// RejectionRepository persists rejections and their appeals.
type RejectionRepository interface {
	Create(ctx context.Context, r *Rejection) error
	GetByID(ctx context.Context, id uuid.UUID) (*Rejection, error)
	// GetWithAppeals loads the rejection together with its appeals.
	GetWithAppeals(ctx context.Context, id uuid.UUID) (*Rejection, error)
	Update(ctx context.Context, r *Rejection) error
	ListByClaim(ctx context.Context, claimID uuid.UUID, limit, offset int) ([]*Rejection, int, error)
	ListOpen(ctx context.Context, limit, offset int) ([]*Rejection, int, error)
	AddAppeal(ctx context.Context, a *Appeal) error
	UpdateAppeal(ctx context.Context, a *Appeal) error
	GetAppeals(ctx context.Context, rejectionID uuid.UUID) ([]*Appeal, error)
}
