package claims

import "errors"

// Domain errors returned by entity state transitions and service operations.
// Handlers translate these into HTTP statuses; none of them is retried
// internally.
var (
	// ErrInvalidState is returned when an operation is invoked from a state
	// that does not permit it. The entity is left unchanged.
	ErrInvalidState = errors.New("operation not allowed in current state")

	// ErrEmptyBatch is returned when a batch with no claims is marked ready.
	ErrEmptyBatch = errors.New("batch has no claims")

	// ErrEmptyClaim is returned when a claim with no line items is sent.
	ErrEmptyClaim = errors.New("claim has no line items")

	// ErrMissingReason is returned when a required reason or justification
	// text is blank.
	ErrMissingReason = errors.New("reason is required")

	// ErrMissingArtifact is returned when a batch is submitted before a
	// submission artifact was generated.
	ErrMissingArtifact = errors.New("submission artifact has not been generated")

	// ErrNegativeAmount is returned for negative monetary amounts or
	// non-positive quantities.
	ErrNegativeAmount = errors.New("amount must not be negative")

	// ErrAmountExceedsTotal is returned when an approved amount exceeds the
	// claim total.
	ErrAmountExceedsTotal = errors.New("amount exceeds claim total")

	// ErrInconsistentAmounts is returned when a rejection's rejected value
	// exceeds its original value.
	ErrInconsistentAmounts = errors.New("rejected value exceeds original value")

	// ErrInvalidGlosaClass is returned when a rejection carries a class
	// outside the known administrative/technical/financial set.
	ErrInvalidGlosaClass = errors.New("invalid glosa class")

	// ErrDuplicateClaim is returned when a claim is added to a batch it
	// already belongs to, or to a second batch.
	ErrDuplicateClaim = errors.New("claim already belongs to a batch")

	// ErrConcurrentModification is returned when an update carries a stale
	// revision stamp. The caller must reload and retry.
	ErrConcurrentModification = errors.New("entity was modified concurrently")

	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
)
