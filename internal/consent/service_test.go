package consent

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/savegress/medledger/internal/access"
	"github.com/savegress/medledger/internal/config"
	"github.com/savegress/medledger/internal/events"
	"github.com/savegress/medledger/internal/identity"
	"github.com/savegress/medledger/internal/records"
	"github.com/savegress/medledger/pkg/models"
)

var (
	patient  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	doctor   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	stranger = common.HexToAddress("0x00000000000000000000000000000000000000c4")
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	registry := identity.NewRegistry()
	ledger := access.NewLedger(registry)
	store := records.NewStore(registry, ledger)
	eventLog := events.NewLog(&config.EventsConfig{BufferSize: 64})

	return NewService(registry, ledger, store, eventLog)
}

func registerPair(t *testing.T, svc *Service) {
	t.Helper()
	ctx := context.Background()

	if _, err := svc.Register(ctx, patient, models.RolePatient, nil); err != nil {
		t.Fatalf("register patient: %v", err)
	}
	if _, err := svc.Register(ctx, doctor, models.RoleDoctor, nil); err != nil {
		t.Fatalf("register doctor: %v", err)
	}
}

func TestService_Register(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	account, err := svc.Register(ctx, patient, models.RolePatient, []byte{0x01})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if account.Role != models.RolePatient {
		t.Errorf("expected patient role, got %s", account.Role)
	}
	if svc.GetRole(patient) != models.RolePatient {
		t.Error("expected GetRole to report patient")
	}

	// Second registration fails, role preserved
	if _, err := svc.Register(ctx, patient, models.RoleDoctor, nil); err != models.ErrAlreadyRegistered {
		t.Errorf("expected ErrAlreadyRegistered, got %v", err)
	}
	if svc.GetRole(patient) != models.RolePatient {
		t.Error("failed re-registration must not change role")
	}
}

func TestService_GrantRevoke(t *testing.T) {
	svc := newTestService(t)
	registerPair(t, svc)
	ctx := context.Background()

	if svc.HasAccess(patient, doctor) {
		t.Error("expected no access before grant")
	}

	if _, err := svc.Grant(ctx, patient, doctor); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}
	if !svc.HasAccess(patient, doctor) {
		t.Error("expected access after grant")
	}

	if _, err := svc.Revoke(ctx, patient, patient, doctor); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if svc.HasAccess(patient, doctor) {
		t.Error("expected no access after revoke")
	}

	// Double revoke
	if _, err := svc.Revoke(ctx, patient, patient, doctor); err != models.ErrNotActive {
		t.Errorf("expected ErrNotActive, got %v", err)
	}
}

func TestService_Revoke_ThirdParty(t *testing.T) {
	svc := newTestService(t)
	registerPair(t, svc)
	ctx := context.Background()

	svc.Grant(ctx, patient, doctor)

	if _, err := svc.Revoke(ctx, stranger, patient, doctor); err != models.ErrUnauthorized {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if !svc.HasAccess(patient, doctor) {
		t.Error("third-party revoke must not change access")
	}
}

func TestService_RecordLifecycle(t *testing.T) {
	svc := newTestService(t)
	registerPair(t, svc)
	ctx := context.Background()

	if _, err := svc.InitializeRecord(ctx, patient, "ipfs://aaa"); err != nil {
		t.Fatalf("InitializeRecord failed: %v", err)
	}
	if !svc.HasChain(patient) {
		t.Error("expected chain after initialize")
	}

	if _, err := svc.UpdatePointer(ctx, patient, patient, "ipfs://bbb"); err != nil {
		t.Fatalf("UpdatePointer failed: %v", err)
	}
	if _, err := svc.UpdatePointer(ctx, patient, patient, "ipfs://ccc"); err != nil {
		t.Fatalf("UpdatePointer failed: %v", err)
	}

	pointer, err := svc.GetCurrentPointer(patient)
	if err != nil {
		t.Fatalf("GetCurrentPointer failed: %v", err)
	}
	if pointer != "ipfs://ccc" {
		t.Errorf("expected current ipfs://ccc, got %s", pointer)
	}

	history, err := svc.GetHistory(patient)
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if len(history) != 2 || history[0] != "ipfs://aaa" || history[1] != "ipfs://bbb" {
		t.Errorf("expected [ipfs://aaa ipfs://bbb], got %v", history)
	}
}

func TestService_UpdatePointer_RevokedDoctor(t *testing.T) {
	svc := newTestService(t)
	registerPair(t, svc)
	ctx := context.Background()

	svc.InitializeRecord(ctx, patient, "ipfs://aaa")
	svc.Grant(ctx, patient, doctor)

	if _, err := svc.UpdatePointer(ctx, doctor, patient, "ipfs://bbb"); err != nil {
		t.Fatalf("authorized update failed: %v", err)
	}

	svc.Revoke(ctx, patient, patient, doctor)

	// Access is evaluated at write time, not at an earlier read
	if _, err := svc.UpdatePointer(ctx, doctor, patient, "ipfs://ccc"); err != models.ErrForbidden {
		t.Errorf("expected ErrForbidden after revoke, got %v", err)
	}

	pointer, _ := svc.GetCurrentPointer(patient)
	if pointer != "ipfs://bbb" {
		t.Errorf("rejected write must not change pointer, got %s", pointer)
	}
}

func TestService_Scenario(t *testing.T) {
	svc := newTestService(t)
	registerPair(t, svc)
	ctx := context.Background()

	svc.InitializeRecord(ctx, patient, "ipfs://v1")
	svc.Grant(ctx, patient, doctor)

	// Doctor sees the patient and reads the pointer
	patients := svc.ListActiveForDoctor(doctor)
	if len(patients) != 1 || patients[0] != patient {
		t.Fatalf("expected doctor to see [patient], got %v", patients)
	}
	pointer, err := svc.GetCurrentPointer(patient)
	if err != nil || pointer != "ipfs://v1" {
		t.Fatalf("expected ipfs://v1, got %s (%v)", pointer, err)
	}

	// Doctor appends a new version
	if _, err := svc.UpdatePointer(ctx, doctor, patient, "ipfs://v2"); err != nil {
		t.Fatalf("doctor update failed: %v", err)
	}

	// Patient revokes, doctor loses the listing and the write path
	svc.Revoke(ctx, patient, patient, doctor)
	if got := svc.ListActiveForDoctor(doctor); len(got) != 0 {
		t.Errorf("expected empty listing after revoke, got %v", got)
	}
	if _, err := svc.UpdatePointer(ctx, doctor, patient, "ipfs://v3"); err != models.ErrForbidden {
		t.Errorf("expected ErrForbidden, got %v", err)
	}

	// Patient's own view is intact
	chain, ok := svc.GetChain(patient)
	if !ok {
		t.Fatal("expected chain")
	}
	if chain.Current != "ipfs://v2" || len(chain.History) != 1 {
		t.Errorf("unexpected chain state: current=%s history=%v", chain.Current, chain.History)
	}
}

func TestService_EmitsEvents(t *testing.T) {
	svc := newTestService(t)
	registerPair(t, svc)
	ctx := context.Background()

	svc.InitializeRecord(ctx, patient, "ipfs://aaa")
	svc.Grant(ctx, patient, doctor)
	svc.Revoke(ctx, doctor, patient, doctor)

	stats := svc.GetStats()
	if stats.Events.TotalEvents != 5 {
		t.Errorf("expected 5 events (2 registrations, init, grant, revoke), got %d", stats.Events.TotalEvents)
	}
	if stats.Events.ByKind[models.EventAccessRevoked] != 1 {
		t.Errorf("expected 1 revoke event, got %d", stats.Events.ByKind[models.EventAccessRevoked])
	}
}

// failingJournal returns an error from every save.
type failingJournal struct{}

func (failingJournal) SaveAccount(context.Context, *models.Account) error { return context.DeadlineExceeded }

func (failingJournal) SaveAuthorization(context.Context, *models.AuthorizationRecord) error {
	return context.DeadlineExceeded
}

func (failingJournal) SaveChain(context.Context, *models.RecordChain) error { return context.DeadlineExceeded }

func (failingJournal) SaveEvent(context.Context, *models.Event) error { return context.DeadlineExceeded }

func TestService_JournalFailureIsNonFatal(t *testing.T) {
	svc := newTestService(t).WithJournal(failingJournal{})
	ctx := context.Background()

	if _, err := svc.Register(ctx, patient, models.RolePatient, nil); err != nil {
		t.Fatalf("Register must succeed despite journal failure: %v", err)
	}
	if svc.GetRole(patient) != models.RolePatient {
		t.Error("in-memory state must be committed despite journal failure")
	}
}

func TestService_GetStats(t *testing.T) {
	svc := newTestService(t)
	registerPair(t, svc)
	ctx := context.Background()

	svc.Grant(ctx, patient, doctor)
	svc.InitializeRecord(ctx, patient, "ipfs://aaa")

	stats := svc.GetStats()
	if stats.Registry.TotalAccounts != 2 {
		t.Errorf("expected 2 accounts, got %d", stats.Registry.TotalAccounts)
	}
	if stats.Ledger.ActivePairs != 1 {
		t.Errorf("expected 1 active pair, got %d", stats.Ledger.ActivePairs)
	}
	if stats.Records.TotalChains != 1 {
		t.Errorf("expected 1 chain, got %d", stats.Records.TotalChains)
	}
}
