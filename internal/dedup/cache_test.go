package dedup

import (
	"fmt"
	"testing"

	"github.com/novatechflow/jasminmongologd/internal/record"
)

func TestMarkAndSeen(t *testing.T) {
	c := New(4)
	if c.Seen("m1", record.KindSubmit) {
		t.Fatalf("unexpected hit on empty cache")
	}
	c.Mark("m1", record.KindSubmit)
	if !c.Seen("m1", record.KindSubmit) {
		t.Fatalf("expected hit after mark")
	}
	if c.Seen("m1", record.KindSubmitResp) {
		t.Fatalf("kinds must be tracked independently")
	}
}

func TestDLRNeverMarked(t *testing.T) {
	c := New(4)
	c.Mark("m1", record.KindDLR)
	if c.Seen("m1", record.KindDLR) {
		t.Fatalf("delivery receipts must never dedup")
	}
}

func TestEvictsOldest(t *testing.T) {
	c := New(2)
	c.Mark("m1", record.KindSubmit)
	c.Mark("m2", record.KindSubmit)
	c.Mark("m3", record.KindSubmit)
	if c.Seen("m1", record.KindSubmit) {
		t.Fatalf("expected oldest entry evicted")
	}
	if !c.Seen("m2", record.KindSubmit) || !c.Seen("m3", record.KindSubmit) {
		t.Fatalf("expected recent entries retained")
	}
	if c.Len() != 2 {
		t.Fatalf("expected len 2 got %d", c.Len())
	}
}

func TestSeenRefreshesRecency(t *testing.T) {
	c := New(2)
	c.Mark("m1", record.KindSubmit)
	c.Mark("m2", record.KindSubmit)
	if !c.Seen("m1", record.KindSubmit) {
		t.Fatalf("expected m1 present")
	}
	c.Mark("m3", record.KindSubmit)
	if !c.Seen("m1", record.KindSubmit) {
		t.Fatalf("expected refreshed entry retained")
	}
	if c.Seen("m2", record.KindSubmit) {
		t.Fatalf("expected least recently used entry evicted")
	}
}

func TestCapacityFloor(t *testing.T) {
	c := New(0)
	for i := 0; i < 10; i++ {
		c.Mark(fmt.Sprintf("m%d", i), record.KindSubmit)
	}
	if c.Len() != 1 {
		t.Fatalf("expected single entry with floor capacity got %d", c.Len())
	}
}
