// Package text holds the broker-side view of document content: a
// rune-addressed buffer and the retain/delete/insert transaction applied to
// it. The editor's rope lives client-side; the broker only needs enough of a
// buffer to validate, apply and invert deltas.
package text

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSpanMismatch is returned when a transaction's retained plus deleted
// lengths do not exactly cover the text it is applied against.
var ErrSpanMismatch = errors.New("transaction does not span text")

type OpKind int

const (
	OpRetain OpKind = iota
	OpDelete
	OpInsert
)

// Op is one step of a transaction. N is a rune count for retain/delete;
// Text is the inserted string for insert.
type Op struct {
	Kind OpKind
	N    int
	Text string
}

// Transaction is an ordered op list applied left to right against a text.
type Transaction struct {
	Ops []Op
}

// Retain appends a retain op, coalescing with a trailing retain.
func (t *Transaction) Retain(n int) {
	if n <= 0 {
		return
	}
	if last := len(t.Ops) - 1; last >= 0 && t.Ops[last].Kind == OpRetain {
		t.Ops[last].N += n
		return
	}
	t.Ops = append(t.Ops, Op{Kind: OpRetain, N: n})
}

// Delete appends a delete op, coalescing with a trailing delete.
func (t *Transaction) Delete(n int) {
	if n <= 0 {
		return
	}
	if last := len(t.Ops) - 1; last >= 0 && t.Ops[last].Kind == OpDelete {
		t.Ops[last].N += n
		return
	}
	t.Ops = append(t.Ops, Op{Kind: OpDelete, N: n})
}

// Insert appends an insert op, coalescing with a trailing insert.
func (t *Transaction) Insert(s string) {
	if s == "" {
		return
	}
	if last := len(t.Ops) - 1; last >= 0 && t.Ops[last].Kind == OpInsert {
		t.Ops[last].Text += s
		return
	}
	t.Ops = append(t.Ops, Op{Kind: OpInsert, Text: s})
}

// SpanLen returns the number of runes the transaction consumes from the text
// it is applied against (retains plus deletes).
func (t Transaction) SpanLen() int {
	total := 0
	for _, op := range t.Ops {
		if op.Kind == OpRetain || op.Kind == OpDelete {
			total += op.N
		}
	}
	return total
}

// Apply runs the transaction against s and returns the resulting text.
// The ops must exactly span s or ErrSpanMismatch is returned.
func (t Transaction) Apply(s string) (string, error) {
	src := []rune(s)
	if t.SpanLen() != len(src) {
		return "", fmt.Errorf("%w: ops span %d runes, text has %d", ErrSpanMismatch, t.SpanLen(), len(src))
	}
	var out strings.Builder
	pos := 0
	for _, op := range t.Ops {
		switch op.Kind {
		case OpRetain:
			out.WriteString(string(src[pos : pos+op.N]))
			pos += op.N
		case OpDelete:
			pos += op.N
		case OpInsert:
			out.WriteString(op.Text)
		}
	}
	return out.String(), nil
}

// Invert builds the transaction that undoes t. preImage must be the text t
// was applied against: deleted runs are read back from it so the inverse can
// reinsert the exact characters removed. For every text s that t spans,
// applying the inverse to Apply(t, s) restores s.
func (t Transaction) Invert(preImage string) (Transaction, error) {
	src := []rune(preImage)
	if t.SpanLen() != len(src) {
		return Transaction{}, fmt.Errorf("%w: ops span %d runes, pre-image has %d", ErrSpanMismatch, t.SpanLen(), len(src))
	}
	var inv Transaction
	pos := 0
	for _, op := range t.Ops {
		switch op.Kind {
		case OpRetain:
			inv.Retain(op.N)
			pos += op.N
		case OpDelete:
			inv.Insert(string(src[pos : pos+op.N]))
			pos += op.N
		case OpInsert:
			inv.Delete(len([]rune(op.Text)))
		}
	}
	return inv, nil
}

// LenChars counts runes, the unit every length on the wire is measured in.
func LenChars(s string) int {
	return len([]rune(s))
}
