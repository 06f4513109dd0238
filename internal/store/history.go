package store

import (
	"fmt"
	"log"

	bolt "go.etcd.io/bbolt"

	"loom/broker/internal/codec"
	"loom/broker/internal/wire"
)

// Append allocates the next node id, persists a node whose parent is the
// current head, and advances the record's head. The mutated record is NOT
// written back here; the caller persists it once the rest of the edit
// (seq, hash, maintenance) has been applied to it, inside the same
// transaction.
func (s *Store) Append(tx *bolt.Tx, doc *SharedDoc, redoTx, undoTx wire.Tx, author string, group uint64) (uint64, error) {
	nodeID := doc.NextNodeID
	doc.NextNodeID++
	node := &HistoryNode{
		NodeID:    nodeID,
		ParentID:  doc.HeadNodeID,
		RedoTx:    redoTx,
		UndoTx:    undoTx,
		GroupID:   group,
		AuthorSID: author,
	}
	if err := s.PutNode(tx, doc.URI, node); err != nil {
		return 0, err
	}
	doc.HeadNodeID = nodeID
	doc.HeadGroupID = group
	doc.HistoryNodes++
	return nodeID, nil
}

// AppendRoot persists the initial root node for a new document and wires the
// record's head/root pointers to it.
func (s *Store) AppendRoot(tx *bolt.Tx, doc *SharedDoc, rootText string) (uint64, error) {
	nodeID := doc.NextNodeID
	doc.NextNodeID++
	node := &HistoryNode{
		NodeID:   nodeID,
		IsRoot:   true,
		RootText: rootText,
	}
	if err := s.PutNode(tx, doc.URI, node); err != nil {
		return 0, err
	}
	doc.HeadNodeID = nodeID
	doc.RootNodeID = nodeID
	doc.HistoryNodes++
	return nodeID, nil
}

// Chain walks parent pointers from the head to the root and returns the
// nodes head-first. The walk keeps a visited set and an iteration cap so a
// cyclic or truncated graph surfaces as ErrCorrupt instead of a hang; it
// also verifies the terminal node is the recorded root.
func (s *Store) Chain(tx *bolt.Tx, doc *SharedDoc) ([]*HistoryNode, error) {
	var chain []*HistoryNode
	visited := make(map[uint64]bool)
	id := doc.HeadNodeID
	for steps := 0; ; steps++ {
		if steps > doc.HistoryNodes {
			return nil, fmt.Errorf("%w: %s walk exceeded %d nodes without reaching root", ErrCorrupt, doc.URI, doc.HistoryNodes)
		}
		if visited[id] {
			return nil, fmt.Errorf("%w: %s parent chain revisits node %d", ErrCorrupt, doc.URI, id)
		}
		visited[id] = true
		node, err := s.Node(tx, doc.URI, id)
		if err != nil {
			return nil, fmt.Errorf("%w: %s node %d unresolvable: %v", ErrCorrupt, doc.URI, id, err)
		}
		chain = append(chain, node)
		if node.ParentID == 0 {
			if node.NodeID != doc.RootNodeID || !node.IsRoot {
				return nil, fmt.Errorf("%w: %s walk terminated at node %d, recorded root is %d", ErrCorrupt, doc.URI, node.NodeID, doc.RootNodeID)
			}
			return chain, nil
		}
		id = node.ParentID
	}
}

// Reconstruct replays the history chain root-first and returns the resulting
// text. The result equals the text produced by replaying the original edit
// stream directly.
func (s *Store) Reconstruct(tx *bolt.Tx, doc *SharedDoc) (string, []*HistoryNode, error) {
	chain, err := s.Chain(tx, doc)
	if err != nil {
		return "", nil, err
	}
	content := chain[len(chain)-1].RootText
	for i := len(chain) - 2; i >= 0; i-- {
		content, err = replay(chain[i].RedoTx, content, doc.URI, chain[i].NodeID)
		if err != nil {
			return "", nil, err
		}
	}
	return content, chain, nil
}

func replay(wtx wire.Tx, content, uri string, nodeID uint64) (string, error) {
	txn, err := codec.FromWire(wtx, content)
	if err != nil {
		return "", fmt.Errorf("%w: %s node %d redo does not apply: %v", ErrCorrupt, uri, nodeID, err)
	}
	next, err := txn.Apply(content)
	if err != nil {
		return "", fmt.Errorf("%w: %s node %d redo does not apply: %v", ErrCorrupt, uri, nodeID, err)
	}
	return next, nil
}

// CheckpointCompact folds the tail of an over-long chain into a fresh root
// carrying a materialized snapshot, bounding stored history while keeping
// full undo depth near the head. The fold amount is the chain overflow
// rounded up to the next stride multiple; until that amount fits on the
// chain the compaction is deferred, so a chain just past maxNodes keeps
// growing instead of being folded away node by node. Returns the number of
// nodes removed; 0 when the chain is within bounds or the fold is deferred.
// Document content is identical before and after.
func (s *Store) CheckpointCompact(tx *bolt.Tx, doc *SharedDoc, maxNodes, stride int) (int, error) {
	if stride <= 0 {
		stride = 1
	}
	chain, err := s.Chain(tx, doc)
	if err != nil {
		return 0, err
	}
	if maxNodes <= 0 || len(chain) <= maxNodes {
		return 0, nil
	}
	overflow := len(chain) - maxNodes
	steps := ((overflow + stride - 1) / stride) * stride
	if steps > len(chain)-1 {
		return 0, nil
	}

	// Materialize the snapshot for the node `steps` above the old root by
	// replaying the redo transactions being folded away.
	newRootIdx := len(chain) - 1 - steps
	content := chain[len(chain)-1].RootText
	for i := len(chain) - 2; i >= newRootIdx; i-- {
		content, err = replay(chain[i].RedoTx, content, doc.URI, chain[i].NodeID)
		if err != nil {
			return 0, err
		}
	}

	newRootID := doc.NextNodeID
	doc.NextNodeID++
	newRoot := &HistoryNode{
		NodeID:   newRootID,
		IsRoot:   true,
		RootText: content,
	}
	if err := s.PutNode(tx, doc.URI, newRoot); err != nil {
		return 0, err
	}

	if newRootIdx > 0 {
		// Repoint the surviving child at the fresh root.
		child := chain[newRootIdx-1]
		child.ParentID = newRootID
		if err := s.PutNode(tx, doc.URI, child); err != nil {
			return 0, err
		}
	} else {
		// The whole chain folded; the fresh root is also the head, and the
		// head's edit group went with the folded nodes.
		doc.HeadNodeID = newRootID
		doc.HeadGroupID = 0
	}
	doc.RootNodeID = newRootID

	removed := 0
	for i := newRootIdx; i < len(chain); i++ {
		if err := s.DeleteNode(tx, doc.URI, chain[i].NodeID); err != nil {
			return 0, err
		}
		removed++
	}
	doc.HistoryNodes += 1 - removed
	return removed, nil
}

// PruneClearedBranches deletes every stored node that fell off the ancestry
// path after an undo-then-edit rewrote the head. If the ancestry walk does
// not reach the recorded root within the stored node count the prune is
// aborted with a warning and nothing is deleted: the engine trades extra
// storage for availability.
func (s *Store) PruneClearedBranches(tx *bolt.Tx, doc *SharedDoc) (int, error) {
	ancestry := make(map[uint64]bool)
	id := doc.HeadNodeID
	reachedRoot := false
	for steps := 0; steps <= doc.HistoryNodes; steps++ {
		if ancestry[id] {
			break
		}
		ancestry[id] = true
		node, err := s.Node(tx, doc.URI, id)
		if err != nil {
			break
		}
		if node.ParentID == 0 {
			reachedRoot = node.NodeID == doc.RootNodeID
			break
		}
		id = node.ParentID
	}
	if !reachedRoot {
		log.Printf("prune skipped for %s: ancestry walk did not reach root %d", doc.URI, doc.RootNodeID)
		return 0, nil
	}

	ids, err := s.NodeIDs(tx, doc.URI)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, nodeID := range ids {
		if ancestry[nodeID] || nodeID == doc.RootNodeID {
			continue
		}
		if err := s.DeleteNode(tx, doc.URI, nodeID); err != nil {
			return 0, err
		}
		removed++
	}
	doc.HistoryNodes -= removed
	return removed, nil
}

// RedoChild returns the most recently created stored child of the current
// head, which is the redo target after an undo. Node ids are monotonic, so
// the highest id is the newest branch.
func (s *Store) RedoChild(tx *bolt.Tx, doc *SharedDoc) (*HistoryNode, bool, error) {
	ids, err := s.NodeIDs(tx, doc.URI)
	if err != nil {
		return nil, false, err
	}
	var best *HistoryNode
	for _, id := range ids {
		node, err := s.Node(tx, doc.URI, id)
		if err != nil {
			return nil, false, err
		}
		if node.IsRoot || node.ParentID != doc.HeadNodeID {
			continue
		}
		if best == nil || node.NodeID > best.NodeID {
			best = node
		}
	}
	if best == nil {
		return nil, false, nil
	}
	return best, true, nil
}

// HasChild reports whether any stored node points at parentID. Used to
// detect that an incoming edit is abandoning an undone branch.
func (s *Store) HasChild(tx *bolt.Tx, doc *SharedDoc, parentID uint64) (bool, error) {
	ids, err := s.NodeIDs(tx, doc.URI)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		node, err := s.Node(tx, doc.URI, id)
		if err != nil {
			return false, err
		}
		if !node.IsRoot && node.ParentID == parentID {
			return true, nil
		}
	}
	return false, nil
}
