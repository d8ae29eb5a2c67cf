package router

import (
	"testing"
	"time"
)

func TestPendingTable_AddTake(t *testing.T) {
	p := newPendingTable(10 * time.Second)

	if !p.add("s1", flowStream, "t1") {
		t.Fatal("add() of fresh correlation reported duplicate")
	}
	if p.add("s1", flowStream, "t2") {
		t.Error("add() of duplicate correlation succeeded")
	}
	// Different flow for the same target is independent.
	if !p.add("s1", flowApps, "t1") {
		t.Error("add() for a different flow reported duplicate")
	}

	requester, ok := p.take("s1", flowStream)
	if !ok || requester != "t1" {
		t.Errorf("take() = %q, %v; want t1, true", requester, ok)
	}
	if _, ok := p.take("s1", flowStream); ok {
		t.Error("take() delivered the same correlation twice")
	}
}

func TestPendingTable_Expiry(t *testing.T) {
	p := newPendingTable(10 * time.Second)
	current := time.Now()
	p.now = func() time.Time { return current }

	p.add("s1", flowStream, "t1")

	current = current.Add(11 * time.Second)
	if _, ok := p.take("s1", flowStream); ok {
		t.Error("take() returned an expired correlation")
	}
	// After expiry a new attempt is accepted.
	if !p.add("s1", flowStream, "t1") {
		t.Error("add() after expiry reported duplicate")
	}
}

func TestPendingTable_DropRequester(t *testing.T) {
	p := newPendingTable(10 * time.Second)
	p.add("s1", flowStream, "t1")
	p.add("s2", flowApps, "t1")
	p.add("s3", flowApps, "t2")

	p.dropRequester("t1")

	if _, ok := p.take("s1", flowStream); ok {
		t.Error("correlation for dropped requester survived")
	}
	if _, ok := p.take("s2", flowApps); ok {
		t.Error("correlation for dropped requester survived")
	}
	if _, ok := p.take("s3", flowApps); !ok {
		t.Error("unrelated correlation was dropped")
	}
}
