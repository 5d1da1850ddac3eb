package incident

import (
	"context"
	"strings"
	"testing"
	"time"
)

func newTestService() (*Service, *MemoryLogRepo) {
	logRepo := NewMemoryLogRepo()
	svc := NewService(NewMemoryStore(), logRepo)
	svc.Now = func() time.Time { return time.Unix(1700000000, 0).UTC() }
	n := 0
	svc.NewID = func() string {
		n++
		return "id-" + string(rune('0'+n))
	}
	return svc, logRepo
}

func createParams() CreateParams {
	return CreateParams{
		AccountID:    "acct-1",
		SessionID:    "sess-1",
		CallerNumber: "+15550001111",
		Trade:        "plumbing",
		Severity:     "urgent",
		Description:  "leak under the sink",
	}
}

func TestCreate(t *testing.T) {
	svc, logRepo := newTestService()
	ctx := context.Background()

	inc, err := svc.Create(ctx, createParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if inc.Status != StatusNew || inc.Trade != "plumbing" {
		t.Fatalf("got %+v", inc)
	}
	entries, _ := logRepo.ListByIncident(ctx, "acct-1", inc.ID)
	if len(entries) != 1 || entries[0].Kind != LogCreated {
		t.Fatalf("got %+v", entries)
	}
}

func TestCreateIsIdempotentPerSession(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	first, err := svc.Create(ctx, createParams())
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := svc.Create(ctx, createParams())
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate ticket for one session: %q vs %q", second.ID, first.ID)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newTestService()
	p := createParams()
	p.Trade = ""
	if _, err := svc.Create(context.Background(), p); err != ErrInvalidIncident {
		t.Fatalf("got %v", err)
	}
}

func TestDispatchThenAcknowledge(t *testing.T) {
	svc, logRepo := newTestService()
	ctx := context.Background()

	inc, _ := svc.Create(ctx, createParams())
	inc, err := svc.MarkDispatching(ctx, "acct-1", inc.ID, "vendor-1")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if inc.Status != StatusDispatching || inc.AssignedVendorID != "vendor-1" {
		t.Fatalf("got %+v", inc)
	}

	inc, err = svc.RecordAcknowledgment(ctx, "acct-1", inc.ID, "vendor-1", "")
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if inc.Status != StatusInProgress || inc.AcknowledgedAt == nil {
		t.Fatalf("got %+v", inc)
	}
	if inc.Status != "in_progress" {
		t.Fatalf("status serializes as %q", inc.Status)
	}

	entries, _ := logRepo.ListByIncident(ctx, "acct-1", inc.ID)
	if len(entries) != 3 || entries[2].Kind != LogAcknowledged {
		t.Fatalf("got %+v", entries)
	}
}

func TestAcknowledgmentNoteLandsInHistory(t *testing.T) {
	svc, logRepo := newTestService()
	ctx := context.Background()

	inc, _ := svc.Create(ctx, createParams())
	_, _ = svc.MarkDispatching(ctx, "acct-1", inc.ID, "vendor-1")
	_, err := svc.RecordAcknowledgment(ctx, "acct-1", inc.ID, "vendor-1", "YES, there by 5pm")
	if err != nil {
		t.Fatalf("ack: %v", err)
	}

	entries, _ := logRepo.ListByIncident(ctx, "acct-1", inc.ID)
	last := entries[len(entries)-1]
	if !strings.Contains(last.Message, "there by 5pm") {
		t.Fatalf("reply text dropped from log: %q", last.Message)
	}
}

func TestDuplicateAcknowledgmentIsNoOp(t *testing.T) {
	svc, logRepo := newTestService()
	ctx := context.Background()

	inc, _ := svc.Create(ctx, createParams())
	_, _ = svc.MarkDispatching(ctx, "acct-1", inc.ID, "vendor-1")
	_, _ = svc.RecordAcknowledgment(ctx, "acct-1", inc.ID, "vendor-1", "")

	before, _ := logRepo.ListByIncident(ctx, "acct-1", inc.ID)
	got, err := svc.RecordAcknowledgment(ctx, "acct-1", inc.ID, "vendor-1", "")
	if err != nil {
		t.Fatalf("repeat ack: %v", err)
	}
	if got.Status != StatusInProgress {
		t.Fatalf("got %q", got.Status)
	}
	after, _ := logRepo.ListByIncident(ctx, "acct-1", inc.ID)
	if len(after) != len(before) {
		t.Fatalf("duplicate ack logged again: %d -> %d", len(before), len(after))
	}
}

func TestLateAcknowledgmentAfterEscalation(t *testing.T) {
	svc, logRepo := newTestService()
	ctx := context.Background()

	inc, _ := svc.Create(ctx, createParams())
	_, _ = svc.MarkDispatching(ctx, "acct-1", inc.ID, "vendor-1")
	_, err := svc.Escalate(ctx, "acct-1", inc.ID, "acknowledgment window elapsed")
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}

	got, err := svc.RecordAcknowledgment(ctx, "acct-1", inc.ID, "vendor-1", "")
	if err != nil {
		t.Fatalf("late ack: %v", err)
	}
	if got.Status != StatusInProgress {
		t.Fatalf("late ack not recorded: %q", got.Status)
	}
	entries, _ := logRepo.ListByIncident(ctx, "acct-1", inc.ID)
	last := entries[len(entries)-1]
	if last.Kind != LogLateAck {
		t.Fatalf("got %q", last.Kind)
	}
}

func TestDeclineEscalates(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	inc, _ := svc.Create(ctx, createParams())
	_, _ = svc.MarkDispatching(ctx, "acct-1", inc.ID, "vendor-1")

	got, err := svc.RecordDecline(ctx, "acct-1", inc.ID, "vendor-1")
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if got.Status != StatusEscalated || got.AssignedVendorID != "" || got.EscalatedAt == nil {
		t.Fatalf("got %+v", got)
	}
}

func TestDeclineAfterAckRejected(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	inc, _ := svc.Create(ctx, createParams())
	_, _ = svc.MarkDispatching(ctx, "acct-1", inc.ID, "vendor-1")
	_, _ = svc.RecordAcknowledgment(ctx, "acct-1", inc.ID, "vendor-1", "")

	if _, err := svc.RecordDecline(ctx, "acct-1", inc.ID, "vendor-1"); err != ErrStatusConflict {
		t.Fatalf("got %v", err)
	}
}

func TestEscalateAcknowledgedRejected(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	inc, _ := svc.Create(ctx, createParams())
	_, _ = svc.MarkDispatching(ctx, "acct-1", inc.ID, "vendor-1")
	_, _ = svc.RecordAcknowledgment(ctx, "acct-1", inc.ID, "vendor-1", "")

	if _, err := svc.Escalate(ctx, "acct-1", inc.ID, "timeout"); err != ErrStatusConflict {
		t.Fatalf("got %v", err)
	}
}

func TestResolve(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	inc, _ := svc.Create(ctx, createParams())
	got, err := svc.Resolve(ctx, "acct-1", inc.ID, "user-7")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Status != StatusResolved {
		t.Fatalf("got %q", got.Status)
	}
}

func TestCrossTenantRejected(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	inc, _ := svc.Create(ctx, createParams())
	if _, err := svc.MarkDispatching(ctx, "acct-2", inc.ID, "vendor-1"); err != ErrNotFound {
		t.Fatalf("cross-tenant write succeeded: %v", err)
	}
	if _, err := svc.History(ctx, "acct-2", inc.ID); err != ErrNotFound {
		t.Fatalf("cross-tenant history read succeeded: %v", err)
	}
}
