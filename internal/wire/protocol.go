// Package wire defines the broker's request/response/event vocabulary.
//
// Every frame on a session connection is one of three envelopes: a Request
// (client -> broker, carries an id the broker echoes back), a Response
// (broker -> client, carries exactly one of payload or error), or an Event
// (broker -> client, fire-and-forget broadcast).
package wire

import "encoding/json"

// Request is the client->broker envelope. Payload is decoded according to
// Type; unknown types answer with ErrUnknownRequest.
type Request struct {
	ID      uint64          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the broker->client envelope. Exactly one of Payload or Error
// is set, never both.
type Response struct {
	RequestID uint64          `json:"request_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

// Event is the broker->client broadcast envelope.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Request types.
const (
	TypePing       = "ping"
	TypeSubscribe  = "subscribe"
	TypeLspStart   = "lsp_start"
	TypeLspSend    = "lsp_send"
	TypeLspRequest = "lsp_request"
	TypeLspReply   = "lsp_reply"

	TypeSharedOpen     = "shared_open"
	TypeSharedClose    = "shared_close"
	TypeSharedEdit     = "shared_edit"
	TypeSharedActivity = "shared_activity"
	TypeSharedFocus    = "shared_focus"
	TypeSharedResync   = "shared_resync"
	TypeSharedUndo     = "shared_undo"
	TypeSharedRedo     = "shared_redo"
)

// Event types.
const (
	EventSharedDelta                 = "shared_delta"
	EventSharedOwnerChanged          = "shared_owner_changed"
	EventSharedPreferredOwnerChanged = "shared_preferred_owner_changed"
	EventSharedUnlocked              = "shared_unlocked"
)

// Op is a single wire operation. Exactly one field is meaningful: a positive
// Retain, a positive Delete, or a non-empty Insert. Counts are in characters
// (runes), not bytes.
type Op struct {
	Retain int    `json:"retain,omitempty"`
	Delete int    `json:"delete,omitempty"`
	Insert string `json:"insert,omitempty"`
}

// Tx is an ordered list of wire operations. The retained plus deleted
// lengths must exactly span the text a Tx is applied against.
type Tx []Op

// Phase is the ownership phase of a shared document.
type Phase string

const (
	PhaseOwned    Phase = "owned"
	PhaseUnlocked Phase = "unlocked"
	PhaseDiverged Phase = "diverged"
)

// DocStateSnapshot is the wire projection of a shared document's state,
// attached to every state-affecting event.
type DocStateSnapshot struct {
	URI string `json:"uri"`
	// Epoch increments each time ownership changes hands.
	Epoch uint64 `json:"epoch"`
	// Seq increments on every accepted delta within one epoch.
	Seq            uint64 `json:"seq"`
	Owner          string `json:"owner,omitempty"`
	PreferredOwner string `json:"preferred_owner,omitempty"`
	Phase          Phase  `json:"phase"`
	// Hash64 is the hex-encoded 64-bit content fingerprint.
	Hash64   string `json:"hash64"`
	LenChars int    `json:"len_chars"`
}

// SubscribeRequest authenticates the session and enables event delivery.
type SubscribeRequest struct {
	Token string `json:"token"`
	// Editor is a display name attached to the session, for diagnostics.
	Editor string `json:"editor,omitempty"`
}

type SubscribeResponse struct {
	SessionID string `json:"session_id"`
}

type PingResponse struct {
	Pong bool `json:"pong"`
}

// LspStartRequest asks the broker to start (or attach to) a language server.
type LspStartRequest struct {
	Server string `json:"server"`
	Root   string `json:"root,omitempty"`
}

// LspPassthrough carries an opaque LSP frame between a session and a
// language server managed by the broker.
type LspPassthrough struct {
	Server string          `json:"server"`
	Body   json.RawMessage `json:"body"`
}

type SharedOpenRequest struct {
	URI  string `json:"uri"`
	Text string `json:"text"`
	// VersionHint is the client's last known seq for the document, if any.
	VersionHint uint64 `json:"version_hint,omitempty"`
}

// SharedOpenResponse returns the document state. Text is present only when
// the broker's content differs from what the client offered; the broker's
// content is always authoritative.
type SharedOpenResponse struct {
	State DocStateSnapshot `json:"state"`
	Text  *string          `json:"text,omitempty"`
}

type SharedCloseRequest struct {
	URI string `json:"uri"`
}

type SharedEditRequest struct {
	URI     string `json:"uri"`
	Epoch   uint64 `json:"epoch"`
	BaseSeq uint64 `json:"base_seq"`
	Tx      Tx     `json:"tx"`
	// Group is the undo-grouping key; 0 asks the broker to start a new group.
	Group uint64 `json:"group,omitempty"`
}

type SharedEditResponse struct {
	Epoch uint64 `json:"epoch"`
	Seq   uint64 `json:"seq"`
}

type SharedActivityRequest struct {
	URI string `json:"uri"`
}

type SharedFocusRequest struct {
	URI     string `json:"uri"`
	Focused bool   `json:"focused"`
	// FocusSeq orders focus claims; a higher value supersedes a lower one
	// regardless of arrival order.
	FocusSeq uint64 `json:"focus_seq"`
}

type SharedResyncRequest struct {
	URI            string `json:"uri"`
	ClientHash64   string `json:"client_hash64"`
	ClientLenChars int    `json:"client_len_chars"`
}

// SharedResyncResponse returns the authoritative state. Text is present only
// when the client fingerprint did not match the broker's.
type SharedResyncResponse struct {
	State DocStateSnapshot `json:"state"`
	Text  *string          `json:"text,omitempty"`
}

type SharedUndoRequest struct {
	URI string `json:"uri"`
}

type SharedRedoRequest struct {
	URI string `json:"uri"`
}

// SharedUndoResponse acknowledges an undo or redo. The applied delta reaches
// the requester through the SharedDelta broadcast, like every other session.
type SharedUndoResponse struct {
	Epoch uint64 `json:"epoch"`
	Seq   uint64 `json:"seq"`
}

type OkResponse struct {
	OK bool `json:"ok"`
}

// SharedDeltaEvent broadcasts an applied delta to subscribed sessions.
type SharedDeltaEvent struct {
	URI   string `json:"uri"`
	Epoch uint64 `json:"epoch"`
	Seq   uint64 `json:"seq"`
	Tx    Tx     `json:"tx"`
}

// SharedStateEvent is the payload of the owner-changed, preferred-owner-
// changed and unlocked events.
type SharedStateEvent struct {
	State DocStateSnapshot `json:"state"`
}
