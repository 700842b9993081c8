package transfers

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/packtrace/packtrace/internal/shared"
	"github.com/packtrace/packtrace/internal/tiers"
	"github.com/packtrace/packtrace/internal/units"
)

type memoryTransferRepo struct {
	transfers map[string]Transfer
	items     map[string][]TransferItem
	seqs      map[string]int64
	// registry joins the fake transaction: on a failed callback its
	// state rolls back together with the order state, like the shared
	// database transaction in production.
	registry *memoryUnitRegistry
}

type memoryTransferTx struct {
	repo *memoryTransferRepo
}

func newMemoryTransferRepo(registry *memoryUnitRegistry) *memoryTransferRepo {
	return &memoryTransferRepo{
		transfers: make(map[string]Transfer),
		items:     make(map[string][]TransferItem),
		seqs:      make(map[string]int64),
		registry:  registry,
	}
}

func (r *memoryTransferRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	savedTransfers := make(map[string]Transfer, len(r.transfers))
	for k, v := range r.transfers {
		savedTransfers[k] = v
	}
	savedItems := make(map[string][]TransferItem, len(r.items))
	for k, v := range r.items {
		savedItems[k] = append([]TransferItem(nil), v...)
	}
	savedSeqs := make(map[string]int64, len(r.seqs))
	for k, v := range r.seqs {
		savedSeqs[k] = v
	}
	savedUnits := make(map[string]units.Unit, len(r.registry.units))
	for k, v := range r.registry.units {
		savedUnits[k] = v
	}
	savedRecords := make(map[string][]units.ScanRecord, len(r.registry.records))
	for k, v := range r.registry.records {
		savedRecords[k] = append([]units.ScanRecord(nil), v...)
	}

	if err := fn(ctx, &memoryTransferTx{repo: r}); err != nil {
		r.transfers = savedTransfers
		r.items = savedItems
		r.seqs = savedSeqs
		r.registry.units = savedUnits
		r.registry.records = savedRecords
		return err
	}
	return nil
}

func (r *memoryTransferRepo) GetTransfer(ctx context.Context, id string) (Transfer, error) {
	transfer, ok := r.transfers[id]
	if !ok {
		return Transfer{}, ErrNotFound
	}
	transfer.Items = append([]TransferItem(nil), r.items[id]...)
	return transfer, nil
}

func (r *memoryTransferRepo) ListTransfers(ctx context.Context, storeID string, status Status, limit int) ([]Transfer, error) {
	var result []Transfer
	for id, transfer := range r.transfers {
		if transfer.StoreID != storeID {
			continue
		}
		if status != "" && transfer.Status != status {
			continue
		}
		transfer.Items = append([]TransferItem(nil), r.items[id]...)
		result = append(result, transfer)
	}
	return result, nil
}

func (t *memoryTransferTx) NextSequence(ctx context.Context, storeID string) (int64, error) {
	t.repo.seqs[storeID]++
	return t.repo.seqs[storeID], nil
}

func (t *memoryTransferTx) InsertTransfer(ctx context.Context, transfer Transfer) error {
	t.repo.transfers[transfer.ID] = transfer
	return nil
}

func (t *memoryTransferTx) InsertItem(ctx context.Context, item TransferItem) error {
	if item.Condition == "" {
		item.Condition = ConditionGood
	}
	t.repo.items[item.TransferID] = append(t.repo.items[item.TransferID], item)
	return nil
}

func (t *memoryTransferTx) GetTransferForUpdate(ctx context.Context, id string) (Transfer, error) {
	return t.repo.GetTransfer(ctx, id)
}

func (t *memoryTransferTx) UpdateStatus(ctx context.Context, id string, patch StatusPatch) error {
	transfer, ok := t.repo.transfers[id]
	if !ok {
		return ErrNotFound
	}
	transfer.Status = patch.Status
	if patch.ApprovedBy != "" {
		transfer.ApprovedBy = patch.ApprovedBy
	}
	if patch.TrackingNumber != "" {
		transfer.TrackingNumber = patch.TrackingNumber
	}
	if patch.ReceivedBy != "" {
		transfer.ReceivedBy = patch.ReceivedBy
	}
	if patch.CancelledBy != "" {
		transfer.CancelledBy = patch.CancelledBy
	}
	if patch.ShippedAt != nil {
		transfer.ShippedAt = patch.ShippedAt
	}
	if patch.ReceivedAt != nil {
		transfer.ReceivedAt = patch.ReceivedAt
	}
	if patch.CancelledAt != nil {
		transfer.CancelledAt = patch.CancelledAt
	}
	t.repo.transfers[id] = transfer
	return nil
}

func (t *memoryTransferTx) UpdateItemReceipt(ctx context.Context, itemID string, receivedQty float64, condition Condition, conditionNotes string) error {
	for transferID, items := range t.repo.items {
		for i, item := range items {
			if item.ID != itemID {
				continue
			}
			item.ReceivedQuantity = receivedQty
			item.Condition = condition
			item.ConditionNotes = conditionNotes
			t.repo.items[transferID][i] = item
			return nil
		}
	}
	return ErrItemNotFound
}

type memoryUnitRegistry struct {
	units   map[string]units.Unit
	records map[string][]units.ScanRecord
	fail    map[string]error
}

func newMemoryUnitRegistry() *memoryUnitRegistry {
	return &memoryUnitRegistry{
		units:   make(map[string]units.Unit),
		records: make(map[string][]units.ScanRecord),
		fail:    make(map[string]error),
	}
}

func (r *memoryUnitRegistry) Lookup(ctx context.Context, qrCode string) (units.Unit, error) {
	unit, ok := r.units[qrCode]
	if !ok {
		return units.Unit{}, units.ErrNotFound
	}
	return unit, nil
}

func (r *memoryUnitRegistry) ApplyTransition(ctx context.Context, unit units.Unit, change units.Change, record units.ScanRecord) (units.Unit, error) {
	if err, ok := r.fail[unit.ID]; ok {
		return units.Unit{}, err
	}
	current, ok := r.units[unit.ID]
	if !ok {
		return units.Unit{}, units.ErrNotFound
	}
	if !units.CanTransition(current.Status, change.Status) {
		return units.Unit{}, fmt.Errorf("%w: %s -> %s", units.ErrInvalidTransition, current.Status, change.Status)
	}
	current.Status = change.Status
	if change.LocationID != nil {
		current.CurrentLocationID = *change.LocationID
	}
	current.Version++
	r.units[current.ID] = current
	record.UnitID = current.ID
	r.records[current.ID] = append(r.records[current.ID], record)
	return current, nil
}

type memoryEventLog struct {
	logs []shared.AuditLog
}

func (a *memoryEventLog) Record(ctx context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

func (a *memoryEventLog) ListByEntity(ctx context.Context, entity, entityID string, limit int) ([]shared.AuditLog, error) {
	var result []shared.AuditLog
	for _, log := range a.logs {
		if log.Entity == entity && log.EntityID == entityID {
			result = append(result, log)
		}
	}
	return result, nil
}

type memoryTierCatalog struct {
	templates map[string]tiers.TierTemplate
}

func (c *memoryTierCatalog) TemplateForTier(ctx context.Context, tierID string) (tiers.TierTemplate, error) {
	tmpl, ok := c.templates[tierID]
	if !ok {
		return tiers.TierTemplate{}, tiers.ErrTemplateNotFound
	}
	return tmpl, nil
}

type transferFixture struct {
	service  *Service
	repo     *memoryTransferRepo
	registry *memoryUnitRegistry
	catalog  *memoryTierCatalog
	events   *memoryEventLog
}

func newTransferFixture(t *testing.T) *transferFixture {
	t.Helper()
	registry := newMemoryUnitRegistry()
	repo := newMemoryTransferRepo(registry)
	catalog := &memoryTierCatalog{templates: make(map[string]tiers.TierTemplate)}
	events := &memoryEventLog{}
	service := NewService(repo, registry, catalog, events, slog.Default())
	return &transferFixture{service: service, repo: repo, registry: registry, catalog: catalog, events: events}
}

func (f *transferFixture) createOrder(t *testing.T, items ...ItemInput) Transfer {
	t.Helper()
	transfer, err := f.service.Create(context.Background(), CreateInput{
		StoreID:        "store-1",
		FromLocationID: "loc-a",
		ToLocationID:   "loc-b",
		CreatedBy:      "user-1",
		Items:          items,
	})
	require.NoError(t, err)
	return transfer
}

func (f *transferFixture) shipOrder(t *testing.T, id string) Transfer {
	t.Helper()
	_, err := f.service.Approve(context.Background(), id, "manager-1")
	require.NoError(t, err)
	transfer, err := f.service.Ship(context.Background(), id, "user-1", "", "TRACK-1")
	require.NoError(t, err)
	return transfer
}

func TestCreateAssignsSequentialNumbers(t *testing.T) {
	f := newTransferFixture(t)
	first := f.createOrder(t, ItemInput{ProductID: "prod-1", TierID: "carton", Quantity: 10})
	second := f.createOrder(t, ItemInput{ProductID: "prod-1", TierID: "carton", Quantity: 5})

	require.Equal(t, "TRF-store-1-00001", first.Number)
	require.Equal(t, "TRF-store-1-00002", second.Number)
	require.Equal(t, StatusDraft, first.Status)
}

func TestCreateValidation(t *testing.T) {
	f := newTransferFixture(t)
	ctx := context.Background()

	_, err := f.service.Create(ctx, CreateInput{StoreID: "store-1", FromLocationID: "loc-a", ToLocationID: "loc-a", CreatedBy: "u", Items: []ItemInput{{ProductID: "p", Quantity: 1}}})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.service.Create(ctx, CreateInput{StoreID: "store-1", FromLocationID: "loc-a", ToLocationID: "loc-b", CreatedBy: "u"})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.service.Create(ctx, CreateInput{StoreID: "store-1", FromLocationID: "loc-a", ToLocationID: "loc-b", CreatedBy: "u", Items: []ItemInput{{ProductID: "p", Quantity: -1}}})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestLifecycleGuards(t *testing.T) {
	f := newTransferFixture(t)
	ctx := context.Background()
	transfer := f.createOrder(t, ItemInput{ProductID: "prod-1", TierID: "carton", Quantity: 10})

	// Ship before approval is rejected.
	_, err := f.service.Ship(ctx, transfer.ID, "user-1", "", "")
	require.ErrorIs(t, err, shared.ErrInvalidTransition)

	// Receive before shipping is rejected.
	_, err = f.service.ReceiveItem(ctx, transfer.ID, ReceiveInput{ItemID: transfer.Items[0].ID, Quantity: 1, ActorID: "user-2"})
	require.ErrorIs(t, err, shared.ErrInvalidTransition)

	_, err = f.service.Approve(ctx, transfer.ID, "manager-1")
	require.NoError(t, err)
	_, err = f.service.Approve(ctx, transfer.ID, "manager-1")
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestPartialReceiptCompletesOrder(t *testing.T) {
	f := newTransferFixture(t)
	ctx := context.Background()
	transfer := f.createOrder(t, ItemInput{ProductID: "prod-1", TierID: "carton", Quantity: 10})
	f.shipOrder(t, transfer.ID)
	itemID := transfer.Items[0].ID

	partial, err := f.service.ReceiveItem(ctx, transfer.ID, ReceiveInput{ItemID: itemID, Quantity: 6, ActorID: "user-2"})
	require.NoError(t, err)
	require.Equal(t, StatusInTransit, partial.Status)
	require.Equal(t, 6.0, partial.Items[0].ReceivedQuantity)
	require.Equal(t, 4.0, partial.Items[0].PendingQuantity())

	completed, err := f.service.ReceiveItem(ctx, transfer.ID, ReceiveInput{ItemID: itemID, Quantity: 4, ActorID: "user-2"})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, completed.Status)
	require.Equal(t, "user-2", completed.ReceivedBy)
	require.NotNil(t, completed.ReceivedAt)
	require.True(t, completed.Items[0].FullyReceived())
}

func TestOverReceiptRejected(t *testing.T) {
	f := newTransferFixture(t)
	ctx := context.Background()
	transfer := f.createOrder(t, ItemInput{ProductID: "prod-1", TierID: "carton", Quantity: 10})
	f.shipOrder(t, transfer.ID)
	itemID := transfer.Items[0].ID

	_, err := f.service.ReceiveItem(ctx, transfer.ID, ReceiveInput{ItemID: itemID, Quantity: 11, ActorID: "user-2"})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.service.ReceiveItem(ctx, transfer.ID, ReceiveInput{ItemID: itemID, Quantity: 6, ActorID: "user-2"})
	require.NoError(t, err)
	_, err = f.service.ReceiveItem(ctx, transfer.ID, ReceiveInput{ItemID: itemID, Quantity: 5, ActorID: "user-2"})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestMultiItemCompletion(t *testing.T) {
	f := newTransferFixture(t)
	ctx := context.Background()
	transfer := f.createOrder(t,
		ItemInput{ProductID: "prod-1", TierID: "carton", Quantity: 10},
		ItemInput{ProductID: "prod-2", TierID: "pack", Quantity: 4},
	)
	f.shipOrder(t, transfer.ID)

	updated, err := f.service.ReceiveItem(ctx, transfer.ID, ReceiveInput{ItemID: transfer.Items[0].ID, Quantity: 10, ActorID: "user-2"})
	require.NoError(t, err)
	require.Equal(t, StatusInTransit, updated.Status)

	updated, err = f.service.ReceiveItem(ctx, transfer.ID, ReceiveInput{ItemID: transfer.Items[1].ID, Quantity: 4, ActorID: "user-2"})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, updated.Status)
}

func TestShipAndReceiveMoveTrackedUnits(t *testing.T) {
	f := newTransferFixture(t)
	ctx := context.Background()
	f.registry.units["CTN-1"] = units.Unit{ID: "CTN-1", Status: units.StatusAvailable, CurrentLocationID: "loc-a", Version: 1}

	transfer := f.createOrder(t, ItemInput{ProductID: "prod-1", TierID: "carton", UnitQRCode: "CTN-1", Quantity: 100})
	f.shipOrder(t, transfer.ID)

	require.Equal(t, units.StatusInTransit, f.registry.units["CTN-1"].Status)
	require.Equal(t, "loc-a", f.registry.units["CTN-1"].CurrentLocationID)

	_, err := f.service.ReceiveItem(ctx, transfer.ID, ReceiveInput{ItemID: transfer.Items[0].ID, Quantity: 100, ActorID: "user-2"})
	require.NoError(t, err)
	require.Equal(t, units.StatusAvailable, f.registry.units["CTN-1"].Status)
	require.Equal(t, "loc-b", f.registry.units["CTN-1"].CurrentLocationID)

	state := units.Replay(f.registry.records["CTN-1"])
	require.Equal(t, units.StatusAvailable, state.Status)
	require.Equal(t, "loc-b", state.LocationID)
}

func TestDamagedReceiptRetiresUnit(t *testing.T) {
	f := newTransferFixture(t)
	ctx := context.Background()
	f.registry.units["CTN-1"] = units.Unit{ID: "CTN-1", Status: units.StatusAvailable, CurrentLocationID: "loc-a", Version: 1}

	transfer := f.createOrder(t, ItemInput{ProductID: "prod-1", TierID: "carton", UnitQRCode: "CTN-1", Quantity: 100})
	f.shipOrder(t, transfer.ID)

	updated, err := f.service.ReceiveItem(ctx, transfer.ID, ReceiveInput{ItemID: transfer.Items[0].ID, Quantity: 100, Condition: ConditionDamaged, ConditionNotes: "crushed corner", ActorID: "user-2"})
	require.NoError(t, err)
	require.Equal(t, "crushed corner", updated.Items[0].ConditionNotes)

	unit := f.registry.units["CTN-1"]
	require.Equal(t, units.StatusDamaged, unit.Status)
	require.Equal(t, "loc-b", unit.CurrentLocationID)

	state := units.Replay(f.registry.records["CTN-1"])
	require.Equal(t, unit.Status, state.Status)
}

func TestCancelReturnsShippedUnits(t *testing.T) {
	f := newTransferFixture(t)
	ctx := context.Background()
	f.registry.units["CTN-1"] = units.Unit{ID: "CTN-1", Status: units.StatusAvailable, CurrentLocationID: "loc-a", Version: 1}

	transfer := f.createOrder(t, ItemInput{ProductID: "prod-1", TierID: "carton", UnitQRCode: "CTN-1", Quantity: 100})
	f.shipOrder(t, transfer.ID)

	cancelled, err := f.service.Cancel(ctx, transfer.ID, "manager-1", "", "truck broke down")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.Equal(t, "manager-1", cancelled.CancelledBy)
	require.NotNil(t, cancelled.CancelledAt)

	unit := f.registry.units["CTN-1"]
	require.Equal(t, units.StatusAvailable, unit.Status)
	require.Equal(t, "loc-a", unit.CurrentLocationID)
}

func TestCancelTerminalRejected(t *testing.T) {
	f := newTransferFixture(t)
	ctx := context.Background()
	transfer := f.createOrder(t, ItemInput{ProductID: "prod-1", TierID: "carton", Quantity: 10})
	f.shipOrder(t, transfer.ID)
	_, err := f.service.ReceiveItem(ctx, transfer.ID, ReceiveInput{ItemID: transfer.Items[0].ID, Quantity: 10, ActorID: "user-2"})
	require.NoError(t, err)

	_, err = f.service.Cancel(ctx, transfer.ID, "manager-1", "", "too late")
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestCreateRejectsUnscannedLineOnScanRequiredTier(t *testing.T) {
	f := newTransferFixture(t)
	ctx := context.Background()
	f.catalog.templates["bottle"] = tiers.TierTemplate{ID: "tmpl-1", RequireScanOnTransfer: true}

	_, err := f.service.Create(ctx, CreateInput{
		StoreID:        "store-1",
		FromLocationID: "loc-a",
		ToLocationID:   "loc-b",
		CreatedBy:      "user-1",
		Items:          []ItemInput{{ProductID: "prod-1", TierID: "bottle", Quantity: 5}},
	})
	require.ErrorIs(t, err, shared.ErrValidation)

	// The same tier passes once the line carries a unit code.
	_, err = f.service.Create(ctx, CreateInput{
		StoreID:        "store-1",
		FromLocationID: "loc-a",
		ToLocationID:   "loc-b",
		CreatedBy:      "user-1",
		Items:          []ItemInput{{ProductID: "prod-1", TierID: "bottle", UnitQRCode: "BTL-1", Quantity: 5}},
	})
	require.NoError(t, err)

	// Tiers without templates carry no scan requirement.
	_, err = f.service.Create(ctx, CreateInput{
		StoreID:        "store-1",
		FromLocationID: "loc-a",
		ToLocationID:   "loc-b",
		CreatedBy:      "user-1",
		Items:          []ItemInput{{ProductID: "prod-2", TierID: "carton", Quantity: 3}},
	})
	require.NoError(t, err)
}

func TestShipRollsBackWhenUnitCannotMove(t *testing.T) {
	f := newTransferFixture(t)
	ctx := context.Background()
	f.registry.units["CTN-1"] = units.Unit{ID: "CTN-1", Status: units.StatusAvailable, CurrentLocationID: "loc-a", Version: 1}
	f.registry.units["CTN-2"] = units.Unit{ID: "CTN-2", Status: units.StatusConsumed, CurrentLocationID: "loc-a", Version: 1}

	transfer := f.createOrder(t,
		ItemInput{ProductID: "prod-1", TierID: "carton", UnitQRCode: "CTN-1", Quantity: 100},
		ItemInput{ProductID: "prod-1", TierID: "carton", UnitQRCode: "CTN-2", Quantity: 100},
	)
	_, err := f.service.Approve(ctx, transfer.ID, "manager-1")
	require.NoError(t, err)

	_, err = f.service.Ship(ctx, transfer.ID, "user-1", "", "TRACK-1")
	require.ErrorIs(t, err, shared.ErrInvalidTransition)

	// The order stays approved and the first unit's transition rolled
	// back with it.
	current, err := f.service.Get(ctx, transfer.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, current.Status)
	require.Equal(t, units.StatusAvailable, f.registry.units["CTN-1"].Status)
	require.Empty(t, f.registry.records["CTN-1"])
}

func TestReceiveRollsBackWhenUnitCannotMove(t *testing.T) {
	f := newTransferFixture(t)
	ctx := context.Background()
	f.registry.units["CTN-1"] = units.Unit{ID: "CTN-1", Status: units.StatusAvailable, CurrentLocationID: "loc-a", Version: 1}

	transfer := f.createOrder(t, ItemInput{ProductID: "prod-1", TierID: "carton", UnitQRCode: "CTN-1", Quantity: 100})
	f.shipOrder(t, transfer.ID)
	itemID := transfer.Items[0].ID

	f.registry.fail["CTN-1"] = units.ErrConcurrencyConflict
	_, err := f.service.ReceiveItem(ctx, transfer.ID, ReceiveInput{ItemID: itemID, Quantity: 100, ActorID: "user-2"})
	require.ErrorIs(t, err, units.ErrConcurrencyConflict)

	// The receipt rolled back with the failed unit move, so a retry
	// for the full quantity is not an over-receipt.
	current, err := f.service.Get(ctx, transfer.ID)
	require.NoError(t, err)
	require.Equal(t, StatusInTransit, current.Status)
	require.Equal(t, 0.0, current.Items[0].ReceivedQuantity)

	delete(f.registry.fail, "CTN-1")
	completed, err := f.service.ReceiveItem(ctx, transfer.ID, ReceiveInput{ItemID: itemID, Quantity: 100, ActorID: "user-2"})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, completed.Status)
	require.Equal(t, units.StatusAvailable, f.registry.units["CTN-1"].Status)
}

func TestHistoryProjectsLifecycleEvents(t *testing.T) {
	f := newTransferFixture(t)
	ctx := context.Background()
	transfer := f.createOrder(t, ItemInput{ProductID: "prod-1", TierID: "carton", Quantity: 10})
	f.shipOrder(t, transfer.ID)
	_, err := f.service.ReceiveItem(ctx, transfer.ID, ReceiveInput{ItemID: transfer.Items[0].ID, Quantity: 10, ActorID: "user-2"})
	require.NoError(t, err)

	events, err := f.service.History(ctx, transfer.ID, 50)
	require.NoError(t, err)

	var actions []string
	for _, event := range events {
		actions = append(actions, event.Action)
	}
	require.Equal(t, []string{"transfer:create", "transfer:approve", "transfer:ship", "transfer:receive", "transfer:complete"}, actions)
}
