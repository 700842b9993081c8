package transfers

import (
	"fmt"
	"time"

	"github.com/packtrace/packtrace/internal/shared"
)

// Status enumerates transfer order lifecycle states.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusApproved  Status = "approved"
	StatusInTransit Status = "in_transit"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the order accepts no further mutations.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Condition grades a received item.
type Condition string

const (
	ConditionGood     Condition = "good"
	ConditionDamaged  Condition = "damaged"
	ConditionExpired  Condition = "expired"
	ConditionRejected Condition = "rejected"
)

func (c Condition) valid() bool {
	switch c {
	case ConditionGood, ConditionDamaged, ConditionExpired, ConditionRejected:
		return true
	}
	return false
}

// Transfer is a batch movement order between two locations of a store.
type Transfer struct {
	ID             string
	Number         string
	StoreID        string
	FromLocationID string
	ToLocationID   string
	Status         Status
	TrackingNumber string
	Notes          string
	CreatedBy      string
	ApprovedBy     string
	ReceivedBy     string
	CancelledBy    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ShippedAt      *time.Time
	ReceivedAt     *time.Time
	CancelledAt    *time.Time
	Items          []TransferItem
}

// TransferItem is one line of a transfer. UnitQRCode is set when the
// line moves an individually tracked unit; aggregate lines leave it
// empty and move loose quantity only.
type TransferItem struct {
	ID               string
	TransferID       string
	ProductID        string
	TierID           string
	UnitQRCode       string
	Quantity         float64
	ReceivedQuantity float64
	Condition        Condition
	ConditionNotes   string
	Notes            string
}

// PendingQuantity is what is still expected on this line.
func (i TransferItem) PendingQuantity() float64 {
	pending := i.Quantity - i.ReceivedQuantity
	if pending < 0 {
		return 0
	}
	return pending
}

// FullyReceived reports whether the line needs no further receipts.
func (i TransferItem) FullyReceived() bool {
	return i.ReceivedQuantity >= i.Quantity
}

var (
	// ErrNotFound indicates no transfer matches the id.
	ErrNotFound = fmt.Errorf("transfers: transfer %w", shared.ErrNotFound)
	// ErrItemNotFound indicates the line does not belong to the transfer.
	ErrItemNotFound = fmt.Errorf("transfers: item %w", shared.ErrNotFound)
	// ErrInvalidState indicates the lifecycle forbids the operation.
	ErrInvalidState = fmt.Errorf("transfers: %w", shared.ErrInvalidTransition)
	// ErrOverReceipt indicates a receipt beyond the ordered quantity.
	ErrOverReceipt = fmt.Errorf("transfers: over-receipt: %w", shared.ErrValidation)
	// ErrValidation indicates malformed input.
	ErrValidation = fmt.Errorf("transfers: %w", shared.ErrValidation)
)
