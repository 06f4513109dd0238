package codec

import (
	"testing"

	"loom/broker/internal/wire"
)

func TestFromWireApplies(t *testing.T) {
	wtx := wire.Tx{{Insert: "X"}, {Retain: 3}}
	txn, err := FromWire(wtx, "abc")
	if err != nil {
		t.Fatalf("FromWire failed: %v", err)
	}
	got, err := txn.Apply("abc")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got != "Xabc" {
		t.Errorf("expected Xabc, got %q", got)
	}
}

func TestFromWireRejectsBadSpan(t *testing.T) {
	if _, err := FromWire(wire.Tx{{Retain: 5}}, "abc"); err == nil {
		t.Error("expected error for over-spanning ops")
	}
	if _, err := FromWire(wire.Tx{{Retain: 1}}, "abc"); err == nil {
		t.Error("expected error for under-spanning ops")
	}
}

func TestFromWireRejectsAmbiguousOps(t *testing.T) {
	cases := []wire.Op{
		{},
		{Retain: 1, Delete: 1},
		{Retain: 1, Insert: "x"},
		{Retain: -1},
	}
	for _, op := range cases {
		if _, err := FromWire(wire.Tx{op, {Retain: 3}}, "abc"); err == nil {
			t.Errorf("expected error for op %+v", op)
		}
	}
}

func TestWireRoundTrip(t *testing.T) {
	wtx := wire.Tx{{Retain: 2}, {Delete: 1}, {Insert: "hello"}, {Retain: 1}}
	txn, err := FromWire(wtx, "abcd")
	if err != nil {
		t.Fatalf("FromWire failed: %v", err)
	}
	back := ToWire(txn)
	if len(back) != len(wtx) {
		t.Fatalf("expected %d ops back, got %d", len(wtx), len(back))
	}
	for i := range wtx {
		if back[i] != wtx[i] {
			t.Errorf("op %d: expected %+v, got %+v", i, wtx[i], back[i])
		}
	}
}
