package app

import "loom/broker/internal/wire"

// Ownership is the per-document ownership state machine. One session at a
// time holds write ownership; the preferred owner is whoever most recently
// claimed editing focus and is first in line when the document unlocks.
// Epoch bumps live with the record, not here: callers bump the persisted
// epoch whenever a transition they drive changes hands.
type Ownership struct {
	Phase     wire.Phase
	Owner     string
	Preferred string
	FocusSeq  uint64
}

func NewOwnership() *Ownership {
	return &Ownership{Phase: wire.PhaseUnlocked}
}

func (o *Ownership) IsOwner(sid string) bool {
	return o.Owner == sid && (o.Phase == wire.PhaseOwned || o.Phase == wire.PhaseDiverged)
}

// Claim grants ownership to sid if the document is unlocked.
func (o *Ownership) Claim(sid string) bool {
	if o.Phase != wire.PhaseUnlocked {
		return false
	}
	o.Phase = wire.PhaseOwned
	o.Owner = sid
	return true
}

// Release drops ownership when sid is the current owner (close or
// disconnect). Returns true when the document transitioned to unlocked.
func (o *Ownership) Release(sid string) bool {
	if o.Owner != sid {
		return false
	}
	o.Phase = wire.PhaseUnlocked
	o.Owner = ""
	return true
}

// Diverge marks the owner's local state as stale after a sequencing
// rejection. Ownership is retained; only resync restores the owned phase.
func (o *Ownership) Diverge() {
	if o.Phase == wire.PhaseOwned {
		o.Phase = wire.PhaseDiverged
	}
}

// Resynced returns the owner to the owned phase after a successful resync.
func (o *Ownership) Resynced(sid string) bool {
	if o.Phase != wire.PhaseDiverged || o.Owner != sid {
		return false
	}
	o.Phase = wire.PhaseOwned
	return true
}

// Focus applies a focus claim under the monotonic focus_seq policy: a higher
// focus_seq wins the preferred-owner slot regardless of arrival order, and
// on an exact tie the incumbent keeps it. An unfocus clears the slot only
// when it comes from the current preferred owner at or above the stored
// focus_seq. Returns true when the preferred owner changed.
func (o *Ownership) Focus(sid string, focused bool, focusSeq uint64) bool {
	if focused {
		if focusSeq <= o.FocusSeq && o.Preferred != "" {
			return false
		}
		o.FocusSeq = focusSeq
		if o.Preferred == sid {
			return false
		}
		o.Preferred = sid
		return true
	}
	if o.Preferred != sid || focusSeq < o.FocusSeq {
		return false
	}
	o.Preferred = ""
	return true
}

// DropSession clears any preferred-owner claim held by a departing session.
func (o *Ownership) DropSession(sid string) bool {
	if o.Preferred != sid {
		return false
	}
	o.Preferred = ""
	return true
}
