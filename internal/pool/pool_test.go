package pool

import (
	"context"
	"testing"
	"time"

	"github.com/runflow/controlplane/internal/browserdriver"
)

func TestReserveSlotRespectsPerUserCap(t *testing.T) {
	p := New(browserdriver.New(browserdriver.Config{}), 2, time.Minute)
	defer p.Close(context.Background())

	ctx := context.Background()
	if _, err := p.ReserveSlot(ctx, "user-1", PurposeRun); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if _, err := p.ReserveSlot(ctx, "user-1", PurposeRun); err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if _, err := p.ReserveSlot(ctx, "user-1", PurposeRun); err == nil {
		t.Fatal("expected third reserve to fail, per-user cap is 2")
	}

	if _, err := p.ReserveSlot(ctx, "user-2", PurposeRun); err != nil {
		t.Fatalf("other user should be unaffected by user-1's cap: %v", err)
	}
}

func TestDeleteSlotFreesCapacity(t *testing.T) {
	p := New(browserdriver.New(browserdriver.Config{}), 1, time.Minute)
	defer p.Close(context.Background())

	ctx := context.Background()
	slot, err := p.ReserveSlot(ctx, "user-1", PurposeRun)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if p.HasAvailableSlots("user-1") {
		t.Fatal("expected no available slots at cap")
	}

	if err := p.DeleteSlot(ctx, slot.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if !p.HasAvailableSlots("user-1") {
		t.Fatal("expected capacity to free up after delete")
	}
}

func TestFailSlotDoesNotCountAgainstCap(t *testing.T) {
	p := New(browserdriver.New(browserdriver.Config{}), 1, time.Minute)
	defer p.Close(context.Background())

	ctx := context.Background()
	slot, err := p.ReserveSlot(ctx, "user-1", PurposeRun)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	p.FailSlot(slot, context.DeadlineExceeded)

	if !p.HasAvailableSlots("user-1") {
		t.Fatal("failed slots should not count against the admission cap")
	}
	if _, err := p.ReserveSlot(ctx, "user-1", PurposeRun); err != nil {
		t.Fatalf("reserve after failure: %v", err)
	}
}

func TestGetSlotNotFound(t *testing.T) {
	p := New(browserdriver.New(browserdriver.Config{}), 1, time.Minute)
	defer p.Close(context.Background())

	if _, ok := p.GetSlot("does-not-exist"); ok {
		t.Fatal("expected GetSlot to report not found")
	}
}
