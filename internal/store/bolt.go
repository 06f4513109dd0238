// Package store persists shared documents and their edit history graphs in
// a bbolt database. bbolt's View/Update closures are the read-only and
// read-write transaction scopes of the engine: handles never escape the
// closure, so release is guaranteed on every exit path.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	bolt "go.etcd.io/bbolt"
)

var (
	// ErrDocNotFound is returned when no record exists for a URI.
	ErrDocNotFound = errors.New("shared doc not found")
	// ErrNodeNotFound is returned when a node id does not resolve.
	ErrNodeNotFound = errors.New("history node not found")
	// ErrCorrupt marks a structurally broken history graph (cycle, dangling
	// parent, walk that never reaches the recorded root). Fatal for the one
	// document only; callers must surface it, never panic on it.
	ErrCorrupt = errors.New("history graph corrupt")
)

// Keys names the buckets and key prefixes of the persisted layout. Injected
// at construction so tests can run against isolated stores.
type Keys struct {
	// DocIndex holds one SharedDoc row per document.
	DocIndex string
	// NodeIndex holds HistoryNode rows under "{hex(hash64(uri))}#{hex(id)}".
	NodeIndex string
	// HistoryIndex holds a nested bucket per URI enumerating its node ids.
	HistoryIndex string
	// DocPrefix prefixes document keys in DocIndex.
	DocPrefix string
}

// DefaultKeys matches the layout the editor's earlier releases wrote.
func DefaultKeys() Keys {
	return Keys{
		DocIndex:     "shared_uri",
		NodeIndex:    "node_key",
		HistoryIndex: "history_uri",
		DocPrefix:    "shared::",
	}
}

// Store is the transactional document/graph store.
type Store struct {
	db   *bolt.DB
	keys Keys
}

// Open opens (creating if needed) the store at path.
func Open(path string, keys Keys) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{keys.DocIndex, keys.NodeIndex, keys.HistoryIndex} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, keys: keys}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// View runs fn inside a read-only transaction scope.
func (s *Store) View(fn func(tx *bolt.Tx) error) error {
	return s.db.View(fn)
}

// Update runs fn inside a read-write transaction scope. fn's effects commit
// atomically or not at all.
func (s *Store) Update(fn func(tx *bolt.Tx) error) error {
	return s.db.Update(fn)
}

func (s *Store) docKey(uri string) []byte {
	return []byte(s.keys.DocPrefix + uri)
}

// uriHash is the per-document prefix of node keys.
func uriHash(uri string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(uri))
}

func (s *Store) nodeKey(uri string, nodeID uint64) []byte {
	return []byte(fmt.Sprintf("%s#%016x", uriHash(uri), nodeID))
}

// Hash64 fingerprints document content.
func Hash64(text string) uint64 {
	return xxhash.Sum64String(text)
}

// Doc loads the SharedDoc row for uri, falling back to the legacy layout
// that keyed rows by the bare URI.
func (s *Store) Doc(tx *bolt.Tx, uri string) (*SharedDoc, error) {
	bucket := tx.Bucket([]byte(s.keys.DocIndex))
	raw := bucket.Get(s.docKey(uri))
	if raw == nil {
		raw = bucket.Get([]byte(uri))
	}
	if raw == nil {
		return nil, ErrDocNotFound
	}
	var doc SharedDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode shared doc %s: %w", uri, err)
	}
	return &doc, nil
}

// PutDoc writes the SharedDoc row.
func (s *Store) PutDoc(tx *bolt.Tx, doc *SharedDoc) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode shared doc %s: %w", doc.URI, err)
	}
	return tx.Bucket([]byte(s.keys.DocIndex)).Put(s.docKey(doc.URI), raw)
}

// DeleteDoc removes the SharedDoc row and every history node for uri.
func (s *Store) DeleteDoc(tx *bolt.Tx, uri string) error {
	ids, err := s.NodeIDs(tx, uri)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.DeleteNode(tx, uri, id); err != nil {
			return err
		}
	}
	bucket := tx.Bucket([]byte(s.keys.DocIndex))
	if err := bucket.Delete(s.docKey(uri)); err != nil {
		return err
	}
	return bucket.Delete([]byte(uri))
}

// Node loads one history node by id.
func (s *Store) Node(tx *bolt.Tx, uri string, nodeID uint64) (*HistoryNode, error) {
	raw := tx.Bucket([]byte(s.keys.NodeIndex)).Get(s.nodeKey(uri, nodeID))
	if raw == nil {
		return nil, fmt.Errorf("%w: %s node %d", ErrNodeNotFound, uri, nodeID)
	}
	var node HistoryNode
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("decode node %d of %s: %w", nodeID, uri, err)
	}
	return &node, nil
}

// PutNode writes a history node row and its history_uri index entry.
func (s *Store) PutNode(tx *bolt.Tx, uri string, node *HistoryNode) error {
	raw, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("encode node %d of %s: %w", node.NodeID, uri, err)
	}
	if err := tx.Bucket([]byte(s.keys.NodeIndex)).Put(s.nodeKey(uri, node.NodeID), raw); err != nil {
		return err
	}
	index, err := tx.Bucket([]byte(s.keys.HistoryIndex)).CreateBucketIfNotExists([]byte(uri))
	if err != nil {
		return err
	}
	return index.Put([]byte(fmt.Sprintf("%016x", node.NodeID)), nil)
}

// DeleteNode removes a node row and its index entry.
func (s *Store) DeleteNode(tx *bolt.Tx, uri string, nodeID uint64) error {
	if err := tx.Bucket([]byte(s.keys.NodeIndex)).Delete(s.nodeKey(uri, nodeID)); err != nil {
		return err
	}
	index := tx.Bucket([]byte(s.keys.HistoryIndex)).Bucket([]byte(uri))
	if index == nil {
		return nil
	}
	return index.Delete([]byte(fmt.Sprintf("%016x", nodeID)))
}

// NodeIDs enumerates every stored node id for uri, ascending.
func (s *Store) NodeIDs(tx *bolt.Tx, uri string) ([]uint64, error) {
	index := tx.Bucket([]byte(s.keys.HistoryIndex)).Bucket([]byte(uri))
	if index == nil {
		return nil, nil
	}
	var ids []uint64
	err := index.ForEach(func(k, _ []byte) error {
		var id uint64
		if _, err := fmt.Sscanf(string(k), "%x", &id); err != nil {
			return fmt.Errorf("bad history index key %q for %s: %w", k, uri, err)
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
