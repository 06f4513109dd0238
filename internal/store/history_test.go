package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"

	"loom/broker/internal/codec"
	"loom/broker/internal/text"
	"loom/broker/internal/wire"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), DefaultKeys())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedDoc creates a record with a root node holding rootText.
func seedDoc(t *testing.T, s *Store, uri, rootText string) *SharedDoc {
	t.Helper()
	doc := &SharedDoc{URI: uri, NextNodeID: 1}
	err := s.Update(func(tx *bolt.Tx) error {
		if _, err := s.AppendRoot(tx, doc, rootText); err != nil {
			return err
		}
		doc.Hash64 = Hash64(rootText)
		doc.LenChars = text.LenChars(rootText)
		return s.PutDoc(tx, doc)
	})
	if err != nil {
		t.Fatalf("seed doc: %v", err)
	}
	return doc
}

// appendEdit applies a wire tx to content, appends the history node and
// persists the record. Returns the new content.
func appendEdit(t *testing.T, s *Store, doc *SharedDoc, content string, wtx wire.Tx) string {
	t.Helper()
	txn, err := codec.FromWire(wtx, content)
	if err != nil {
		t.Fatalf("bad edit: %v", err)
	}
	inv, err := txn.Invert(content)
	if err != nil {
		t.Fatalf("invert: %v", err)
	}
	next, err := txn.Apply(content)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	err = s.Update(func(tx *bolt.Tx) error {
		if _, err := s.Append(tx, doc, wtx, codec.ToWire(inv), "sess_test", doc.NextNodeID); err != nil {
			return err
		}
		doc.Seq++
		doc.Hash64 = Hash64(next)
		doc.LenChars = text.LenChars(next)
		return s.PutDoc(tx, doc)
	})
	if err != nil {
		t.Fatalf("append edit: %v", err)
	}
	return next
}

func insertAt(pos int, s string, baseLen int) wire.Tx {
	var wtx wire.Tx
	if pos > 0 {
		wtx = append(wtx, wire.Op{Retain: pos})
	}
	wtx = append(wtx, wire.Op{Insert: s})
	if rest := baseLen - pos; rest > 0 {
		wtx = append(wtx, wire.Op{Retain: rest})
	}
	return wtx
}

func reconstruct(t *testing.T, s *Store, doc *SharedDoc) string {
	t.Helper()
	var content string
	err := s.View(func(tx *bolt.Tx) error {
		var err error
		content, _, err = s.Reconstruct(tx, doc)
		return err
	})
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	return content
}

func TestReconstructFidelity(t *testing.T) {
	s := newTestStore(t)
	doc := seedDoc(t, s, "file:///fidelity.rs", "fn main() {}")

	content := "fn main() {}"
	content = appendEdit(t, s, doc, content, insertAt(0, "// header\n", text.LenChars(content)))
	content = appendEdit(t, s, doc, content, insertAt(5, "xyz", text.LenChars(content)))
	content = appendEdit(t, s, doc, content, wire.Tx{{Retain: 3}, {Delete: 4}, {Retain: text.LenChars(content) - 7}})
	content = appendEdit(t, s, doc, content, insertAt(text.LenChars(content), "!", text.LenChars(content)))

	if got := reconstruct(t, s, doc); got != content {
		t.Errorf("reconstruction diverged: expected %q, got %q", content, got)
	}
}

func TestDocLegacyKeyFallback(t *testing.T) {
	s := newTestStore(t)
	legacy := &SharedDoc{URI: "file:///old.rs", Epoch: 3, NextNodeID: 1}
	raw, _ := json.Marshal(legacy)
	err := s.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(s.keys.DocIndex)).Put([]byte(legacy.URI), raw)
	})
	if err != nil {
		t.Fatalf("write legacy row: %v", err)
	}

	err = s.View(func(tx *bolt.Tx) error {
		doc, err := s.Doc(tx, legacy.URI)
		if err != nil {
			return err
		}
		if doc.Epoch != 3 {
			t.Errorf("expected epoch 3 from legacy row, got %d", doc.Epoch)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("legacy lookup: %v", err)
	}
}

func TestReconstructDetectsCycle(t *testing.T) {
	s := newTestStore(t)
	doc := seedDoc(t, s, "file:///cycle.rs", "abc")
	content := "abc"
	content = appendEdit(t, s, doc, content, insertAt(0, "1", 3))
	_ = appendEdit(t, s, doc, content, insertAt(0, "2", 4))

	// Rewire node 2's parent onto node 3, forming 2 -> 3 -> 2.
	err := s.Update(func(tx *bolt.Tx) error {
		node, err := s.Node(tx, doc.URI, 2)
		if err != nil {
			return err
		}
		node.ParentID = 3
		return s.PutNode(tx, doc.URI, node)
	})
	if err != nil {
		t.Fatalf("rewire: %v", err)
	}

	err = s.View(func(tx *bolt.Tx) error {
		_, _, err := s.Reconstruct(tx, doc)
		return err
	})
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got %v", err)
	}
}

func TestReconstructDetectsWrongRoot(t *testing.T) {
	s := newTestStore(t)
	doc := seedDoc(t, s, "file:///wrongroot.rs", "abc")
	_ = appendEdit(t, s, doc, "abc", insertAt(0, "1", 3))

	doc.RootNodeID = 999
	err := s.View(func(tx *bolt.Tx) error {
		_, _, err := s.Reconstruct(tx, doc)
		return err
	})
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt for mismatched root, got %v", err)
	}
}

func TestCheckpointCompactScenario(t *testing.T) {
	s := newTestStore(t)
	doc := seedDoc(t, s, "file:///compact.rs", "")

	content := ""
	for i := 0; i < 30; i++ {
		content = appendEdit(t, s, doc, content, insertAt(text.LenChars(content), fmt.Sprintf("%d", i%10), text.LenChars(content)))
	}
	before := reconstruct(t, s, doc)
	if before != content {
		t.Fatalf("pre-compaction reconstruction diverged")
	}

	var removed int
	err := s.Update(func(tx *bolt.Tx) error {
		var err error
		removed, err = s.CheckpointCompact(tx, doc, 10, 25)
		if err != nil {
			return err
		}
		return s.PutDoc(tx, doc)
	})
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if removed < 20 {
		t.Errorf("expected at least 20 nodes removed, got %d", removed)
	}

	after := reconstruct(t, s, doc)
	if after != before {
		t.Errorf("compaction changed content: %q -> %q", before, after)
	}

	// The fresh root is a real root node and the chain is within bounds.
	err = s.View(func(tx *bolt.Tx) error {
		root, err := s.Node(tx, doc.URI, doc.RootNodeID)
		if err != nil {
			return err
		}
		if !root.IsRoot || root.ParentID != 0 {
			t.Errorf("new root is not a root node: %+v", root)
		}
		chain, err := s.Chain(tx, doc)
		if err != nil {
			return err
		}
		if len(chain) > 10 {
			t.Errorf("chain still has %d nodes after compaction", len(chain))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("post-compaction checks: %v", err)
	}
}

func TestCheckpointCompactNoop(t *testing.T) {
	s := newTestStore(t)
	doc := seedDoc(t, s, "file:///short.rs", "abc")
	content := appendEdit(t, s, doc, "abc", insertAt(0, "x", 3))
	_ = content

	err := s.Update(func(tx *bolt.Tx) error {
		removed, err := s.CheckpointCompact(tx, doc, 10, 25)
		if err != nil {
			return err
		}
		if removed != 0 {
			t.Errorf("expected no-op, removed %d", removed)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
}

func TestCheckpointCompactDefersSmallOverflow(t *testing.T) {
	s := newTestStore(t)
	doc := seedDoc(t, s, "file:///defer.rs", "")

	// 11 edits put the chain one past the bound, but a full stride does not
	// fit yet; nothing may be folded.
	content := ""
	for i := 0; i < 11; i++ {
		content = appendEdit(t, s, doc, content, insertAt(text.LenChars(content), "x", text.LenChars(content)))
	}

	err := s.Update(func(tx *bolt.Tx) error {
		removed, err := s.CheckpointCompact(tx, doc, 10, 25)
		if err != nil {
			return err
		}
		if removed != 0 {
			t.Errorf("expected deferred compaction, removed %d", removed)
		}
		ids, err := s.NodeIDs(tx, doc.URI)
		if err != nil {
			return err
		}
		if len(ids) != 12 {
			t.Errorf("expected all 12 nodes intact, found %d", len(ids))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
}

func TestCheckpointCompactFullFoldResetsGroup(t *testing.T) {
	s := newTestStore(t)
	doc := seedDoc(t, s, "file:///fullfold.rs", "")

	// Chain of 6 with maxNodes 5 and stride 5: the rounded fold spans the
	// whole chain, so the fresh root becomes the head.
	content := ""
	for i := 0; i < 5; i++ {
		content = appendEdit(t, s, doc, content, insertAt(text.LenChars(content), "y", text.LenChars(content)))
	}

	err := s.Update(func(tx *bolt.Tx) error {
		removed, err := s.CheckpointCompact(tx, doc, 5, 5)
		if err != nil {
			return err
		}
		if removed != 6 {
			t.Errorf("expected the whole chain folded, removed %d", removed)
		}
		return s.PutDoc(tx, doc)
	})
	if err != nil {
		t.Fatalf("compact: %v", err)
	}

	if doc.HeadNodeID != doc.RootNodeID {
		t.Errorf("head %d should be the fresh root %d", doc.HeadNodeID, doc.RootNodeID)
	}
	if doc.HeadGroupID != 0 {
		t.Errorf("head group should reset with the folded chain, got %d", doc.HeadGroupID)
	}
	if got := reconstruct(t, s, doc); got != content {
		t.Errorf("full fold changed content: expected %q, got %q", content, got)
	}
}

func TestPruneRemovesOnlyOffPathNodes(t *testing.T) {
	s := newTestStore(t)
	doc := seedDoc(t, s, "file:///prune.rs", "abc")

	content := appendEdit(t, s, doc, "abc", insertAt(0, "1", 3))   // node 2
	content = appendEdit(t, s, doc, content, insertAt(0, "2", 4)) // node 3

	// Undo back to node 2, then branch with a new edit; node 3 is abandoned.
	doc.HeadNodeID = 2
	content = "1abc"
	_ = appendEdit(t, s, doc, content, insertAt(0, "9", 4)) // node 4

	var removed int
	err := s.Update(func(tx *bolt.Tx) error {
		var err error
		removed, err = s.PruneClearedBranches(tx, doc)
		if err != nil {
			return err
		}
		return s.PutDoc(tx, doc)
	})
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 node pruned, got %d", removed)
	}

	err = s.View(func(tx *bolt.Tx) error {
		if _, err := s.Node(tx, doc.URI, 3); err == nil {
			t.Error("abandoned node 3 still stored")
		}
		// Every node on the head->root path survives.
		for _, id := range []uint64{1, 2, 4} {
			if _, err := s.Node(tx, doc.URI, id); err != nil {
				t.Errorf("path node %d was pruned: %v", id, err)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("post-prune checks: %v", err)
	}
}

func TestPruneAbortsWhenRootUnreachable(t *testing.T) {
	s := newTestStore(t)
	doc := seedDoc(t, s, "file:///pruneabort.rs", "abc")
	content := appendEdit(t, s, doc, "abc", insertAt(0, "1", 3))
	_ = appendEdit(t, s, doc, content, insertAt(0, "2", 4))

	// Point the head at a node whose parent chain dangles.
	err := s.Update(func(tx *bolt.Tx) error {
		node, err := s.Node(tx, doc.URI, 3)
		if err != nil {
			return err
		}
		node.ParentID = 777
		return s.PutNode(tx, doc.URI, node)
	})
	if err != nil {
		t.Fatalf("rewire: %v", err)
	}

	err = s.Update(func(tx *bolt.Tx) error {
		removed, err := s.PruneClearedBranches(tx, doc)
		if err != nil {
			return err
		}
		if removed != 0 {
			t.Errorf("prune deleted %d nodes despite unreachable root", removed)
		}
		ids, err := s.NodeIDs(tx, doc.URI)
		if err != nil {
			return err
		}
		if len(ids) != 3 {
			t.Errorf("expected all 3 nodes intact, found %d", len(ids))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
}

func TestRedoChildPicksNewestBranch(t *testing.T) {
	s := newTestStore(t)
	doc := seedDoc(t, s, "file:///redo.rs", "abc")

	content := appendEdit(t, s, doc, "abc", insertAt(0, "1", 3)) // node 2
	_ = content

	// Two branches off the root after undoing twice.
	doc.HeadNodeID = 1
	_ = appendEdit(t, s, doc, "abc", insertAt(0, "a", 3)) // node 3
	doc.HeadNodeID = 1

	err := s.View(func(tx *bolt.Tx) error {
		child, ok, err := s.RedoChild(tx, doc)
		if err != nil {
			return err
		}
		if !ok {
			t.Fatal("expected a redo child")
		}
		if child.NodeID != 3 {
			t.Errorf("expected newest branch node 3, got %d", child.NodeID)
		}
		has, err := s.HasChild(tx, doc, doc.HeadNodeID)
		if err != nil {
			return err
		}
		if !has {
			t.Error("HasChild missed existing children")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("redo child: %v", err)
	}
}
