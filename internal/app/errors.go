package app

import (
	"errors"

	"loom/broker/internal/wire"
)

// asWireError normalizes any error into the wire error carried in a
// Response. Unrecognized errors surface as Internal without leaking
// internals beyond their message.
func asWireError(err error) *wire.Error {
	if err == nil {
		return nil
	}
	var we *wire.Error
	if errors.As(err, &we) {
		return we
	}
	return wire.Errorf(wire.CodeInternal, "%s", err.Error())
}

func errDocNotOpen(uri string) *wire.Error {
	return wire.Errorf(wire.CodeDocNotOpen, "document %s is not open in this session", uri)
}

func errSyncDocNotFound(uri string) *wire.Error {
	return wire.Errorf(wire.CodeSyncDocNotFound, "no shared document %s", uri)
}

func errNotPreferredOwner(uri string) *wire.Error {
	return wire.Errorf(wire.CodeNotPreferredOwner, "session does not own %s", uri)
}

func errOwnerNeedsResync(uri string) *wire.Error {
	return wire.Errorf(wire.CodeOwnerNeedsResync, "owner of %s has diverged and must resync", uri)
}

func errAuthFailed(msg string) *wire.Error {
	return wire.Errorf(wire.CodeAuthFailed, "%s", msg)
}

func errInvalidArgs(msg string) *wire.Error {
	return wire.Errorf(wire.CodeInvalidArgs, "%s", msg)
}

func errInvalidDelta(err error) *wire.Error {
	return wire.Errorf(wire.CodeInvalidDelta, "%s", err.Error())
}
