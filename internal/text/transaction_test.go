package text

import "testing"

func TestApplyInsertDeleteRetain(t *testing.T) {
	var tx Transaction
	tx.Retain(1)
	tx.Delete(2)
	tx.Insert("XY")
	tx.Retain(2)

	got, err := tx.Apply("abcde")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got != "aXYde" {
		t.Errorf("expected aXYde, got %q", got)
	}
}

func TestApplySpanMismatch(t *testing.T) {
	var tx Transaction
	tx.Retain(10)
	if _, err := tx.Apply("abc"); err == nil {
		t.Fatal("expected span mismatch error")
	}

	var short Transaction
	short.Retain(1)
	if _, err := short.Apply("abc"); err == nil {
		t.Fatal("expected span mismatch error for under-spanning ops")
	}
}

func TestApplyMultibyte(t *testing.T) {
	var tx Transaction
	tx.Retain(1)
	tx.Insert("é")
	tx.Retain(2)

	got, err := tx.Apply("日本語")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got != "日é本語" {
		t.Errorf("expected 日é本語, got %q", got)
	}
}

func TestInvertRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		base string
		tx   func() Transaction
	}{
		{
			name: "insert middle",
			base: "abc",
			tx: func() Transaction {
				var tx Transaction
				tx.Retain(1)
				tx.Insert("ZZ")
				tx.Retain(2)
				return tx
			},
		},
		{
			name: "delete run",
			base: "hello world",
			tx: func() Transaction {
				var tx Transaction
				tx.Retain(5)
				tx.Delete(6)
				return tx
			},
		},
		{
			name: "replace all",
			base: "old",
			tx: func() Transaction {
				var tx Transaction
				tx.Delete(3)
				tx.Insert("new text")
				return tx
			},
		},
		{
			name: "multibyte delete",
			base: "aé日b",
			tx: func() Transaction {
				var tx Transaction
				tx.Retain(1)
				tx.Delete(2)
				tx.Insert("Q")
				tx.Retain(1)
				return tx
			},
		},
		{
			name: "empty base insert",
			base: "",
			tx: func() Transaction {
				var tx Transaction
				tx.Insert("seed")
				return tx
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tx := tc.tx()
			after, err := tx.Apply(tc.base)
			if err != nil {
				t.Fatalf("Apply failed: %v", err)
			}
			inv, err := tx.Invert(tc.base)
			if err != nil {
				t.Fatalf("Invert failed: %v", err)
			}
			restored, err := inv.Apply(after)
			if err != nil {
				t.Fatalf("inverse Apply failed: %v", err)
			}
			if restored != tc.base {
				t.Errorf("round trip: expected %q, got %q", tc.base, restored)
			}
		})
	}
}

func TestInvertCapturesDeletedText(t *testing.T) {
	var tx Transaction
	tx.Retain(2)
	tx.Delete(3)
	tx.Retain(1)

	inv, err := tx.Invert("abXYZc")
	if err != nil {
		t.Fatalf("Invert failed: %v", err)
	}
	found := false
	for _, op := range inv.Ops {
		if op.Kind == OpInsert && op.Text == "XYZ" {
			found = true
		}
	}
	if !found {
		t.Errorf("inverse does not reinsert deleted text: %+v", inv.Ops)
	}
}

func TestBufferApply(t *testing.T) {
	buf := NewBuffer("abc")
	var tx Transaction
	tx.Insert("X")
	tx.Retain(3)

	inv, err := buf.Apply(tx)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if buf.String() != "Xabc" {
		t.Errorf("expected Xabc, got %q", buf.String())
	}
	if buf.Len() != 4 {
		t.Errorf("expected len 4, got %d", buf.Len())
	}

	restored, err := inv.Apply(buf.String())
	if err != nil {
		t.Fatalf("inverse Apply failed: %v", err)
	}
	if restored != "abc" {
		t.Errorf("expected abc, got %q", restored)
	}
}

func TestOpCoalescing(t *testing.T) {
	var tx Transaction
	tx.Retain(1)
	tx.Retain(2)
	tx.Insert("a")
	tx.Insert("b")
	tx.Delete(1)
	tx.Delete(1)
	if len(tx.Ops) != 3 {
		t.Errorf("expected 3 coalesced ops, got %d: %+v", len(tx.Ops), tx.Ops)
	}
}
