package app

import (
	"loom/broker/internal/store"
	"loom/broker/internal/text"
	"loom/broker/internal/wire"
)

// Sequencer enforces strict epoch/seq ordering for incoming edits. A delta
// is accepted only when it was produced against exactly the broker's current
// epoch and seq; everything else is rejected without mutating anything.
type Sequencer struct{}

// Check validates an edit's (epoch, base_seq) against the record. A nil
// return means the edit may be applied.
func (Sequencer) Check(doc *store.SharedDoc, epoch, baseSeq uint64) *wire.Error {
	if epoch != doc.Epoch {
		return wire.Errorf(wire.CodeSyncEpochMismatch, "edit epoch %d, document epoch %d", epoch, doc.Epoch)
	}
	if baseSeq != doc.Seq {
		return wire.Errorf(wire.CodeSyncSeqMismatch, "edit base seq %d, document seq %d", baseSeq, doc.Seq)
	}
	return nil
}

// Advance moves the record past one accepted delta: seq bump and refreshed
// content fingerprint.
func (Sequencer) Advance(doc *store.SharedDoc, content string) {
	doc.Seq++
	doc.Hash64 = store.Hash64(content)
	doc.LenChars = text.LenChars(content)
}
