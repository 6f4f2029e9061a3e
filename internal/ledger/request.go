package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/subnetindex/settlement/internal/basket"
	"github.com/subnetindex/settlement/internal/index"
)

var (
	// ErrNotFound signals an unknown request id.
	ErrNotFound = errors.New("ledger: request not found")

	// ErrStatusConflict is returned by repositories when a compare-and-swap
	// update finds the request no longer in the expected state. Exactly one
	// concurrent transition attempt wins; losers get this.
	ErrStatusConflict = errors.New("ledger: request status changed concurrently")

	// ErrNoActiveFile signals submission while the current epoch has no
	// published creation file.
	ErrNoActiveFile = errors.New("ledger: no creation file active for current epoch")

	// ErrDeadlinePassed signals delivery attempted after the request's
	// expires_at.
	ErrDeadlinePassed = errors.New("ledger: request deadline has passed")
)

// ValidationError rejects malformed input at the boundary.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ledger: invalid %s: %s", e.Field, e.Reason)
}

// DeliveryRejectedError carries the full basket verdict for a failed
// delivery. The request stays pending; delivery can be retried until the
// deadline.
type DeliveryRejectedError struct {
	RequestID string
	Result    basket.ValidationResult
}

func (e *DeliveryRejectedError) Error() string {
	return fmt.Sprintf("ledger: request %s: basket rejected: %s",
		e.RequestID, strings.Join(e.Result.Errors, "; "))
}

// Request is one creation request. Created on submission, mutated only
// through the defined transitions, purged after terminal-state retention.
type Request struct {
	ID           string `json:"request_id" db:"request_id"`
	Requester    string `json:"requester" db:"requester"`
	EpochID      int64  `json:"epoch_id" db:"epoch_id"`
	CreationSize uint64 `json:"creation_size" db:"creation_size"`
	Status       Status `json:"status" db:"status"`

	// RequiredBasket and ToleranceBps are frozen at submission; later epoch
	// rollovers never change an in-flight request's requirement.
	RequiredBasket index.Basket `json:"required_basket"`
	ToleranceBps   uint32       `json:"tolerance_bps" db:"tolerance_bps"`

	DeliveredBasket index.Basket `json:"delivered_basket,omitempty"`
	DeliveryProof   string       `json:"delivery_proof,omitempty" db:"delivery_proof"`

	NavPerShare   decimal.Decimal `json:"nav_per_share" db:"nav_per_share"`
	SharesOut     uint64          `json:"shares_out" db:"shares_out"`
	Fees          uint64          `json:"fees" db:"fees"`
	CashComponent uint64          `json:"cash_component" db:"cash_component"`

	SubmittedAt time.Time  `json:"submitted_at" db:"submitted_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
	AttestedAt  *time.Time `json:"attested_at,omitempty" db:"attested_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty" db:"closed_at"`
	ExpiresAt   time.Time  `json:"expires_at" db:"expires_at"`

	CloseReason string `json:"close_reason,omitempty" db:"close_reason"`
}

// Repo is the durable request store. Mutations must be committed before
// returning; Update is a compare-and-swap on status and returns
// ErrStatusConflict for the losing writer.
type Repo interface {
	Insert(ctx context.Context, req *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	Update(ctx context.Context, req *Request, expected Status) error
	ListByStatus(ctx context.Context, status Status) ([]*Request, error)
	ListActiveByEpoch(ctx context.Context, epochID int64) ([]*Request, error)
	ListDeadlineExceeded(ctx context.Context, now time.Time) ([]*Request, error)
	CountByStatus(ctx context.Context) (map[Status]int64, error)
	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
