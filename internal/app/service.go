package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"loom/broker/internal/auth"
	"loom/broker/internal/codec"
	"loom/broker/internal/config"
	"loom/broker/internal/store"
	"loom/broker/internal/text"
	"loom/broker/internal/wire"
)

// Broadcaster delivers an event to every subscribed session of a document,
// optionally excluding one session id. Opening a document subscribes the
// session to its events; closing (or disconnecting) unsubscribes it.
type Broadcaster interface {
	Subscribe(uri, sid string)
	Unsubscribe(uri, sid string)
	Broadcast(uri, except string, ev wire.Event)
}

// LspForwarder routes LSP passthrough frames to language servers. The broker
// treats language servers as an external collaborator; without a forwarder
// configured every LSP request answers ServerNotFound.
type LspForwarder interface {
	Start(ctx context.Context, server, root string) error
	Send(ctx context.Context, server string, body json.RawMessage) error
	Request(ctx context.Context, server string, body json.RawMessage) (json.RawMessage, error)
	Reply(ctx context.Context, server string, body json.RawMessage) error
}

type docState struct {
	mu  sync.Mutex
	uri string
	buf *text.Buffer
	own *Ownership
	// openBy tracks which sessions currently have the document open.
	openBy       map[string]bool
	lastActivity time.Time
}

type sessionState struct {
	authed bool
	editor string
	docs   map[string]bool
}

// Service is the document synchronization engine: it arbitrates ownership,
// sequences deltas, maintains the history graph, and emits broadcast events.
type Service struct {
	cfg config.Config
	st  *store.Store
	seq Sequencer
	lsp LspForwarder

	mu       sync.Mutex
	docs     map[string]*docState
	sessions map[string]*sessionState
	bc       Broadcaster
}

func New(cfg config.Config, st *store.Store) *Service {
	return &Service{
		cfg:      cfg,
		st:       st,
		docs:     make(map[string]*docState),
		sessions: make(map[string]*sessionState),
	}
}

// SetBroadcaster attaches the session hub. Called once during wiring, before
// any connection is accepted.
func (s *Service) SetBroadcaster(bc Broadcaster) {
	s.bc = bc
}

// SetLspForwarder attaches a language-server forwarder.
func (s *Service) SetLspForwarder(lsp LspForwarder) {
	s.lsp = lsp
}

// Handle dispatches one request and always produces a response carrying
// exactly one of payload or error.
func (s *Service) Handle(ctx context.Context, sid string, req wire.Request) wire.Response {
	payload, err := s.dispatch(ctx, sid, req)
	if err != nil {
		return wire.Response{RequestID: req.ID, Error: asWireError(err)}
	}
	raw, merr := json.Marshal(payload)
	if merr != nil {
		return wire.Response{RequestID: req.ID, Error: wire.Errorf(wire.CodeInternal, "encode response: %s", merr)}
	}
	return wire.Response{RequestID: req.ID, Payload: raw}
}

func (s *Service) dispatch(ctx context.Context, sid string, req wire.Request) (any, error) {
	switch req.Type {
	case wire.TypePing:
		return wire.PingResponse{Pong: true}, nil
	case wire.TypeSubscribe:
		var p wire.SubscribeRequest
		if err := decode(req.Payload, &p); err != nil {
			return nil, err
		}
		return s.subscribe(sid, p)
	}

	if !s.sessionAuthed(sid) {
		return nil, errAuthFailed("session has not subscribed")
	}

	switch req.Type {
	case wire.TypeSharedOpen:
		var p wire.SharedOpenRequest
		if err := decode(req.Payload, &p); err != nil {
			return nil, err
		}
		return s.sharedOpen(sid, p)
	case wire.TypeSharedClose:
		var p wire.SharedCloseRequest
		if err := decode(req.Payload, &p); err != nil {
			return nil, err
		}
		return s.sharedClose(sid, p.URI)
	case wire.TypeSharedEdit:
		var p wire.SharedEditRequest
		if err := decode(req.Payload, &p); err != nil {
			return nil, err
		}
		return s.sharedEdit(sid, p)
	case wire.TypeSharedActivity:
		var p wire.SharedActivityRequest
		if err := decode(req.Payload, &p); err != nil {
			return nil, err
		}
		return s.sharedActivity(sid, p.URI)
	case wire.TypeSharedFocus:
		var p wire.SharedFocusRequest
		if err := decode(req.Payload, &p); err != nil {
			return nil, err
		}
		return s.sharedFocus(sid, p)
	case wire.TypeSharedResync:
		var p wire.SharedResyncRequest
		if err := decode(req.Payload, &p); err != nil {
			return nil, err
		}
		return s.sharedResync(sid, p)
	case wire.TypeSharedUndo:
		var p wire.SharedUndoRequest
		if err := decode(req.Payload, &p); err != nil {
			return nil, err
		}
		return s.sharedUndo(sid, p.URI)
	case wire.TypeSharedRedo:
		var p wire.SharedRedoRequest
		if err := decode(req.Payload, &p); err != nil {
			return nil, err
		}
		return s.sharedRedo(sid, p.URI)
	case wire.TypeLspStart, wire.TypeLspSend, wire.TypeLspRequest, wire.TypeLspReply:
		return s.lspPassthrough(ctx, req)
	default:
		return nil, wire.Errorf(wire.CodeUnknownRequest, "unknown request type %q", req.Type)
	}
}

func decode(raw json.RawMessage, into any) error {
	if err := json.Unmarshal(raw, into); err != nil {
		return errInvalidArgs(fmt.Sprintf("decode payload: %s", err))
	}
	return nil
}

func (s *Service) subscribe(sid string, p wire.SubscribeRequest) (any, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.BrokerSecret), p.Token)
	if err != nil {
		return nil, errAuthFailed("invalid broker token")
	}
	editor := p.Editor
	if editor == "" {
		editor = claims.Editor
	}
	s.mu.Lock()
	if sess, ok := s.sessions[sid]; ok {
		// Re-subscribe (token refresh); documents opened on this session
		// stay tracked so disconnect still releases them.
		sess.authed = true
		sess.editor = editor
	} else {
		s.sessions[sid] = &sessionState{authed: true, editor: editor, docs: make(map[string]bool)}
	}
	s.mu.Unlock()
	return wire.SubscribeResponse{SessionID: sid}, nil
}

func (s *Service) sessionAuthed(sid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sid]
	return ok && sess.authed
}

// getDoc returns the in-memory state for uri, loading it from the store
// (reconstructing content from the history graph) on first touch. A nil
// result with nil error means the document has never been opened.
func (s *Service) getDoc(uri string) (*docState, error) {
	s.mu.Lock()
	if d, ok := s.docs[uri]; ok {
		s.mu.Unlock()
		return d, nil
	}
	s.mu.Unlock()

	var content string
	found := false
	err := s.st.View(func(tx *bolt.Tx) error {
		rec, err := s.st.Doc(tx, uri)
		if err == store.ErrDocNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		content, _, err = s.st.Reconstruct(tx, rec)
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.docs[uri]; ok {
		return d, nil
	}
	d := &docState{
		uri:    uri,
		buf:    text.NewBuffer(content),
		own:    NewOwnership(),
		openBy: make(map[string]bool),
	}
	s.docs[uri] = d
	return d, nil
}

func (s *Service) sharedOpen(sid string, p wire.SharedOpenRequest) (any, error) {
	if p.URI == "" {
		return nil, errInvalidArgs("uri is required")
	}
	d, err := s.getDoc(p.URI)
	if err != nil {
		return nil, err
	}

	existed := d != nil
	if !existed {
		d = &docState{
			uri:    p.URI,
			buf:    text.NewBuffer(p.Text),
			own:    NewOwnership(),
			openBy: make(map[string]bool),
		}
		s.mu.Lock()
		if prior, ok := s.docs[p.URI]; ok {
			d = prior
			existed = true
		} else {
			s.docs[p.URI] = d
		}
		s.mu.Unlock()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var rec *store.SharedDoc
	claimed := false
	err = s.st.Update(func(tx *bolt.Tx) error {
		rec, err = s.st.Doc(tx, p.URI)
		if err == store.ErrDocNotFound {
			rec = &store.SharedDoc{URI: p.URI, NextNodeID: 1}
			if _, err := s.st.AppendRoot(tx, rec, p.Text); err != nil {
				return err
			}
			rec.Hash64 = store.Hash64(p.Text)
			rec.LenChars = text.LenChars(p.Text)
		} else if err != nil {
			return err
		}
		if d.own.Claim(sid) {
			claimed = true
			rec.Epoch++
		}
		return s.st.PutDoc(tx, rec)
	})
	if err != nil {
		if claimed {
			d.own.Release(sid)
		}
		return nil, err
	}

	d.openBy[sid] = true
	d.lastActivity = time.Now()
	s.trackOpen(sid, p.URI)
	if s.bc != nil {
		s.bc.Subscribe(p.URI, sid)
	}

	if claimed {
		s.broadcastState(wire.EventSharedOwnerChanged, d, rec, "")
	}

	resp := wire.SharedOpenResponse{State: snapshot(rec, d.own)}
	if current := d.buf.String(); existed && current != p.Text {
		resp.Text = &current
	}
	return resp, nil
}

func (s *Service) sharedClose(sid, uri string) (any, error) {
	d, err := s.requireOpen(sid, uri)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.openBy, sid)
	s.untrackOpen(sid, uri)
	if s.bc != nil {
		s.bc.Unsubscribe(uri, sid)
	}
	if err := s.releaseOwnership(d, sid); err != nil {
		return nil, err
	}
	return wire.OkResponse{OK: true}, nil
}

// releaseOwnership unlocks the document when sid owns it and hands it to a
// connected preferred owner, if any. Caller holds d.mu.
func (s *Service) releaseOwnership(d *docState, sid string) error {
	droppedPreferred := d.own.DropSession(sid)
	if !d.own.IsOwner(sid) && d.own.Owner != sid {
		if droppedPreferred {
			if rec, err := s.readDoc(d.uri); err == nil {
				s.broadcastState(wire.EventSharedPreferredOwnerChanged, d, rec, "")
			}
		}
		return nil
	}

	var rec *store.SharedDoc
	err := s.st.Update(func(tx *bolt.Tx) error {
		var err error
		rec, err = s.st.Doc(tx, d.uri)
		if err != nil {
			return err
		}
		d.own.Release(sid)
		rec.Epoch++
		return s.st.PutDoc(tx, rec)
	})
	if err != nil {
		return err
	}
	s.broadcastState(wire.EventSharedUnlocked, d, rec, "")

	next := d.own.Preferred
	if next == "" || !d.openBy[next] {
		return nil
	}
	err = s.st.Update(func(tx *bolt.Tx) error {
		var err error
		rec, err = s.st.Doc(tx, d.uri)
		if err != nil {
			return err
		}
		if d.own.Claim(next) {
			rec.Epoch++
		}
		return s.st.PutDoc(tx, rec)
	})
	if err != nil {
		return err
	}
	s.broadcastState(wire.EventSharedOwnerChanged, d, rec, "")
	return nil
}

func (s *Service) sharedEdit(sid string, p wire.SharedEditRequest) (any, error) {
	d, err := s.requireOpen(sid, p.URI)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.own.IsOwner(sid) {
		return nil, errNotPreferredOwner(p.URI)
	}
	if d.own.Phase == wire.PhaseDiverged {
		return nil, errOwnerNeedsResync(p.URI)
	}

	var (
		rec     *store.SharedDoc
		next    string
		deltaTx wire.Tx
	)
	err = s.st.Update(func(tx *bolt.Tx) error {
		var err error
		rec, err = s.st.Doc(tx, p.URI)
		if err == store.ErrDocNotFound {
			return errSyncDocNotFound(p.URI)
		}
		if err != nil {
			return err
		}
		if werr := s.seq.Check(rec, p.Epoch, p.BaseSeq); werr != nil {
			return werr
		}

		pre := d.buf.String()
		txn, err := codec.FromWire(p.Tx, pre)
		if err != nil {
			return errInvalidDelta(err)
		}
		inv, err := txn.Invert(pre)
		if err != nil {
			return errInvalidDelta(err)
		}
		next, err = txn.Apply(pre)
		if err != nil {
			return errInvalidDelta(err)
		}

		// An edit on a head that still has stored children is abandoning an
		// undone branch; prune it once the new node is in place.
		branching, err := s.st.HasChild(tx, rec, rec.HeadNodeID)
		if err != nil {
			return err
		}

		group := p.Group
		if group == 0 {
			group = rec.NextNodeID
		}
		deltaTx = codec.ToWire(txn)
		if _, err := s.st.Append(tx, rec, deltaTx, codec.ToWire(inv), sid, group); err != nil {
			return err
		}
		s.seq.Advance(rec, next)

		if branching {
			if _, err := s.st.PruneClearedBranches(tx, rec); err != nil {
				return err
			}
		}
		if _, err := s.st.CheckpointCompact(tx, rec, s.cfg.HistoryMaxNodes, s.cfg.CheckpointStride); err != nil {
			return err
		}
		return s.st.PutDoc(tx, rec)
	})
	if err != nil {
		werr := asWireError(err)
		if werr.Code == wire.CodeSyncSeqMismatch || werr.Code == wire.CodeSyncEpochMismatch {
			d.own.Diverge()
		}
		return nil, werr
	}

	d.buf = text.NewBuffer(next)
	d.lastActivity = time.Now()
	s.broadcastDelta(d, rec, deltaTx, sid)
	return wire.SharedEditResponse{Epoch: rec.Epoch, Seq: rec.Seq}, nil
}

func (s *Service) sharedActivity(sid, uri string) (any, error) {
	d, err := s.requireOpen(sid, uri)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.lastActivity = time.Now()
	d.mu.Unlock()
	return wire.OkResponse{OK: true}, nil
}

func (s *Service) sharedFocus(sid string, p wire.SharedFocusRequest) (any, error) {
	d, err := s.requireOpen(sid, p.URI)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.own.Focus(sid, p.Focused, p.FocusSeq) {
		return wire.OkResponse{OK: true}, nil
	}
	rec, err := s.readDoc(p.URI)
	if err != nil {
		return nil, err
	}
	s.broadcastState(wire.EventSharedPreferredOwnerChanged, d, rec, "")
	return wire.OkResponse{OK: true}, nil
}

func (s *Service) sharedResync(sid string, p wire.SharedResyncRequest) (any, error) {
	d, err := s.requireOpen(sid, p.URI)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, err := s.readDoc(p.URI)
	if err != nil {
		return nil, err
	}
	d.own.Resynced(sid)

	resp := wire.SharedResyncResponse{State: snapshot(rec, d.own)}
	if p.ClientHash64 != fmt.Sprintf("%016x", rec.Hash64) || p.ClientLenChars != rec.LenChars {
		current := d.buf.String()
		resp.Text = &current
	}
	return resp, nil
}

func (s *Service) sharedUndo(sid, uri string) (any, error) {
	return s.timeTravel(sid, uri, true)
}

func (s *Service) sharedRedo(sid, uri string) (any, error) {
	return s.timeTravel(sid, uri, false)
}

// timeTravel applies one undo or redo step. The step's delta is broadcast to
// every subscriber including the requester; the requester's own buffer moves
// with the broadcast, the ack only reports the new position.
func (s *Service) timeTravel(sid, uri string, undo bool) (any, error) {
	d, err := s.requireOpen(sid, uri)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.own.IsOwner(sid) {
		return nil, errNotPreferredOwner(uri)
	}
	if d.own.Phase == wire.PhaseDiverged {
		return nil, errOwnerNeedsResync(uri)
	}

	var (
		rec     *store.SharedDoc
		next    string
		deltaTx wire.Tx
	)
	err = s.st.Update(func(tx *bolt.Tx) error {
		var err error
		rec, err = s.st.Doc(tx, uri)
		if err == store.ErrDocNotFound {
			return errSyncDocNotFound(uri)
		}
		if err != nil {
			return err
		}

		if undo {
			if rec.HeadNodeID == rec.RootNodeID {
				return wire.Errorf(wire.CodeNothingToUndo, "history for %s is at its root", uri)
			}
			head, err := s.st.Node(tx, uri, rec.HeadNodeID)
			if err != nil {
				return err
			}
			parent, err := s.st.Node(tx, uri, head.ParentID)
			if err != nil {
				return err
			}
			deltaTx = head.UndoTx
			rec.HeadNodeID = head.ParentID
			rec.HeadGroupID = parent.GroupID
		} else {
			child, ok, err := s.st.RedoChild(tx, rec)
			if err != nil {
				return err
			}
			if !ok {
				return wire.Errorf(wire.CodeNothingToRedo, "no undone edit ahead of %s", uri)
			}
			deltaTx = child.RedoTx
			rec.HeadNodeID = child.NodeID
			rec.HeadGroupID = child.GroupID
		}

		pre := d.buf.String()
		txn, err := codec.FromWire(deltaTx, pre)
		if err != nil {
			return fmt.Errorf("%w: stored delta does not apply to %s: %v", store.ErrCorrupt, uri, err)
		}
		next, err = txn.Apply(pre)
		if err != nil {
			return fmt.Errorf("%w: stored delta does not apply to %s: %v", store.ErrCorrupt, uri, err)
		}
		s.seq.Advance(rec, next)
		return s.st.PutDoc(tx, rec)
	})
	if err != nil {
		return nil, err
	}

	d.buf = text.NewBuffer(next)
	d.lastActivity = time.Now()
	s.broadcastDelta(d, rec, deltaTx, "")
	return wire.SharedUndoResponse{Epoch: rec.Epoch, Seq: rec.Seq}, nil
}

func (s *Service) lspPassthrough(ctx context.Context, req wire.Request) (any, error) {
	if s.lsp == nil {
		if req.Type == wire.TypeLspStart {
			return nil, wire.Errorf(wire.CodeServerNotFound, "no language server forwarder configured")
		}
		return nil, wire.Errorf(wire.CodeNotImplemented, "language server forwarding is not configured")
	}
	switch req.Type {
	case wire.TypeLspStart:
		var p wire.LspStartRequest
		if err := decode(req.Payload, &p); err != nil {
			return nil, err
		}
		if err := s.lsp.Start(ctx, p.Server, p.Root); err != nil {
			return nil, err
		}
		return wire.OkResponse{OK: true}, nil
	case wire.TypeLspSend:
		var p wire.LspPassthrough
		if err := decode(req.Payload, &p); err != nil {
			return nil, err
		}
		if err := s.lsp.Send(ctx, p.Server, p.Body); err != nil {
			return nil, err
		}
		return wire.OkResponse{OK: true}, nil
	case wire.TypeLspRequest:
		var p wire.LspPassthrough
		if err := decode(req.Payload, &p); err != nil {
			return nil, err
		}
		body, err := s.lsp.Request(ctx, p.Server, p.Body)
		if err != nil {
			return nil, err
		}
		return wire.LspPassthrough{Server: p.Server, Body: body}, nil
	default:
		var p wire.LspPassthrough
		if err := decode(req.Payload, &p); err != nil {
			return nil, err
		}
		if err := s.lsp.Reply(ctx, p.Server, p.Body); err != nil {
			return nil, err
		}
		return wire.OkResponse{OK: true}, nil
	}
}

// ReleaseIdleOwners unlocks every owned document whose owner has been silent
// for longer than maxIdle. SharedActivity exists so an owner can stay live
// across quiet stretches; one that stopped sending it has gone away. Run
// periodically from a sweep goroutine.
func (s *Service) ReleaseIdleOwners(maxIdle time.Duration) {
	if maxIdle <= 0 {
		return
	}
	cutoff := time.Now().Add(-maxIdle)
	s.mu.Lock()
	stale := make([]*docState, 0, len(s.docs))
	for _, d := range s.docs {
		stale = append(stale, d)
	}
	s.mu.Unlock()

	for _, d := range stale {
		d.mu.Lock()
		if owner := d.own.Owner; owner != "" && d.lastActivity.Before(cutoff) {
			log.Printf("owner %s of %s idle past %s, unlocking", owner, d.uri, maxIdle)
			if err := s.releaseOwnership(d, owner); err != nil {
				log.Printf("release idle owner of %s: %v", d.uri, err)
			}
		}
		d.mu.Unlock()
	}
}

// Disconnect tears down a session: every document it had open is closed and,
// where it was the owner, unlocked. Committed history is never rolled back.
func (s *Service) Disconnect(sid string) {
	s.mu.Lock()
	sess := s.sessions[sid]
	delete(s.sessions, sid)
	var uris []string
	if sess != nil {
		for uri := range sess.docs {
			uris = append(uris, uri)
		}
	}
	s.mu.Unlock()

	for _, uri := range uris {
		s.mu.Lock()
		d := s.docs[uri]
		s.mu.Unlock()
		if d == nil {
			continue
		}
		d.mu.Lock()
		delete(d.openBy, sid)
		if s.bc != nil {
			s.bc.Unsubscribe(uri, sid)
		}
		if err := s.releaseOwnership(d, sid); err != nil {
			log.Printf("release %s on disconnect of %s: %v", uri, sid, err)
		}
		d.mu.Unlock()
	}
}

func (s *Service) requireOpen(sid, uri string) (*docState, error) {
	if uri == "" {
		return nil, errInvalidArgs("uri is required")
	}
	s.mu.Lock()
	d, ok := s.docs[uri]
	s.mu.Unlock()
	if !ok {
		return nil, errSyncDocNotFound(uri)
	}
	d.mu.Lock()
	open := d.openBy[sid]
	d.mu.Unlock()
	if !open {
		return nil, errDocNotOpen(uri)
	}
	return d, nil
}

func (s *Service) trackOpen(sid, uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sid]; ok {
		sess.docs[uri] = true
	}
}

func (s *Service) untrackOpen(sid, uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sid]; ok {
		delete(sess.docs, uri)
	}
}

func (s *Service) readDoc(uri string) (*store.SharedDoc, error) {
	var rec *store.SharedDoc
	err := s.st.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = s.st.Doc(tx, uri)
		return err
	})
	if err == store.ErrDocNotFound {
		return nil, errSyncDocNotFound(uri)
	}
	return rec, err
}

func snapshot(rec *store.SharedDoc, own *Ownership) wire.DocStateSnapshot {
	return wire.DocStateSnapshot{
		URI:            rec.URI,
		Epoch:          rec.Epoch,
		Seq:            rec.Seq,
		Owner:          own.Owner,
		PreferredOwner: own.Preferred,
		Phase:          own.Phase,
		Hash64:         fmt.Sprintf("%016x", rec.Hash64),
		LenChars:       rec.LenChars,
	}
}

// broadcastDelta fans an applied delta out to the document's subscribers.
// Caller holds d.mu.
func (s *Service) broadcastDelta(d *docState, rec *store.SharedDoc, tx wire.Tx, except string) {
	if s.bc == nil {
		return
	}
	payload, err := json.Marshal(wire.SharedDeltaEvent{URI: d.uri, Epoch: rec.Epoch, Seq: rec.Seq, Tx: tx})
	if err != nil {
		log.Printf("encode delta event for %s: %v", d.uri, err)
		return
	}
	s.bc.Broadcast(d.uri, except, wire.Event{Type: wire.EventSharedDelta, Payload: payload})
}

// broadcastState fans a state transition out with a fresh snapshot attached.
// Caller holds d.mu.
func (s *Service) broadcastState(eventType string, d *docState, rec *store.SharedDoc, except string) {
	if s.bc == nil {
		return
	}
	payload, err := json.Marshal(wire.SharedStateEvent{State: snapshot(rec, d.own)})
	if err != nil {
		log.Printf("encode state event for %s: %v", d.uri, err)
		return
	}
	s.bc.Broadcast(d.uri, except, wire.Event{Type: eventType, Payload: payload})
}
