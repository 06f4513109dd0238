// Package codec converts between wire-level op lists and text transactions.
package codec

import (
	"fmt"

	"loom/broker/internal/text"
	"loom/broker/internal/wire"
)

// FromWire validates a wire op list against baseText and returns the
// equivalent transaction. Each op must be exactly one of retain/delete/insert
// and the retained plus deleted lengths must exactly span baseText.
func FromWire(wtx wire.Tx, baseText string) (text.Transaction, error) {
	var tx text.Transaction
	for i, op := range wtx {
		set := 0
		if op.Retain > 0 {
			set++
		}
		if op.Delete > 0 {
			set++
		}
		if op.Insert != "" {
			set++
		}
		if set != 1 || op.Retain < 0 || op.Delete < 0 {
			return text.Transaction{}, fmt.Errorf("op %d is not exactly one of retain/delete/insert", i)
		}
		switch {
		case op.Retain > 0:
			tx.Retain(op.Retain)
		case op.Delete > 0:
			tx.Delete(op.Delete)
		default:
			tx.Insert(op.Insert)
		}
	}
	if got, want := tx.SpanLen(), text.LenChars(baseText); got != want {
		return text.Transaction{}, fmt.Errorf("ops span %d chars, document has %d", got, want)
	}
	return tx, nil
}

// ToWire converts a transaction back to its wire representation.
func ToWire(tx text.Transaction) wire.Tx {
	wtx := make(wire.Tx, 0, len(tx.Ops))
	for _, op := range tx.Ops {
		switch op.Kind {
		case text.OpRetain:
			wtx = append(wtx, wire.Op{Retain: op.N})
		case text.OpDelete:
			wtx = append(wtx, wire.Op{Delete: op.N})
		case text.OpInsert:
			wtx = append(wtx, wire.Op{Insert: op.Text})
		}
	}
	return wtx
}
