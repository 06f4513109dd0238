package store

import "loom/broker/internal/wire"

// SharedDoc is the persisted per-document record. Content itself is not
// stored here: it is reconstructable from the history graph, and the live
// copy is held in memory by the sync service.
type SharedDoc struct {
	URI string `json:"uri"`
	// Epoch increments each time ownership of the document changes hands.
	Epoch uint64 `json:"epoch"`
	// Seq increments on every accepted delta within one epoch.
	Seq      uint64 `json:"seq"`
	LenChars int    `json:"len_chars"`
	// Hash64 is the 64-bit content fingerprint of the current text.
	Hash64 uint64 `json:"hash64"`
	// HeadNodeID always resolves to a stored HistoryNode.
	HeadNodeID uint64 `json:"head_node_id"`
	// RootNodeID always resolves to a node with IsRoot set.
	RootNodeID uint64 `json:"root_node_id"`
	// NextNodeID is the monotonic node id allocator; ids are never reused.
	NextNodeID uint64 `json:"next_node_id"`
	// HistoryNodes counts the stored nodes for this document, reachable or not.
	HistoryNodes int `json:"history_nodes"`
	// HeadGroupID is the undo-grouping key of the last accepted edit.
	HeadGroupID uint64 `json:"head_group_id"`
}

// HistoryNode is one edit in the parent-linked history graph. Walking
// ParentID from any node must reach exactly one root without revisiting a
// node; reconstruction treats any violation as corruption.
type HistoryNode struct {
	NodeID uint64 `json:"node_id"`
	// ParentID is 0 for the root.
	ParentID uint64 `json:"parent_id"`
	RedoTx   wire.Tx `json:"redo_tx,omitempty"`
	UndoTx   wire.Tx `json:"undo_tx,omitempty"`
	IsRoot   bool    `json:"is_root,omitempty"`
	// RootText is the full-text snapshot, populated only on root nodes.
	RootText string `json:"root_text,omitempty"`
	// GroupID is the undo-merge key shared by edits of one logical group.
	GroupID uint64 `json:"group_id,omitempty"`
	// AuthorSID is the session that produced the edit.
	AuthorSID string `json:"author_sid,omitempty"`
}
