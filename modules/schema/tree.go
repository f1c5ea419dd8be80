// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/antgroup/oms/modules/plumbing"
)

var (
	TREE_MAGIC = [4]byte{'O', 'T', 0x00, 0x01}
)

// TreeEntry binds one resource id to the content hash it carries in a commit.
// Schema trees are id-keyed relations, not pointer graphs: cyclic references
// between types are legal and traversal is always iterative.
type TreeEntry struct {
	Kind ResourceKind  `json:"kind"`
	ID   string        `json:"id"`
	Hash plumbing.Hash `json:"hash"`
}

func (e *TreeEntry) Key() string {
	return string(e.Kind) + "/" + e.ID
}

func (e *TreeEntry) Equal(other *TreeEntry) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.Kind == other.Kind && e.ID == other.ID && e.Hash == other.Hash
}

// Tree is the full schema snapshot referenced by a commit. Entries are kept
// sorted by (kind, id) so encoding is canonical and the tree hash is stable.
type Tree struct {
	Hash    plumbing.Hash `json:"hash"`
	Entries []TreeEntry   `json:"entries"`
}

func (t *Tree) Sort() {
	sort.Slice(t.Entries, func(i, j int) bool {
		if t.Entries[i].Kind != t.Entries[j].Kind {
			return t.Entries[i].Kind < t.Entries[j].Kind
		}
		return t.Entries[i].ID < t.Entries[j].ID
	})
}

// Get returns the entry for (kind, id), or nil.
func (t *Tree) Get(kind ResourceKind, id string) *TreeEntry {
	for i := range t.Entries {
		if t.Entries[i].Kind == kind && t.Entries[i].ID == id {
			return &t.Entries[i]
		}
	}
	return nil
}

// Index returns entries keyed by "<kind>/<id>".
func (t *Tree) Index() map[string]*TreeEntry {
	m := make(map[string]*TreeEntry, len(t.Entries))
	for i := range t.Entries {
		m[t.Entries[i].Key()] = &t.Entries[i]
	}
	return m
}

// Upsert replaces or inserts the entry for (kind, id), keeping order.
func (t *Tree) Upsert(entry TreeEntry) {
	for i := range t.Entries {
		if t.Entries[i].Kind == entry.Kind && t.Entries[i].ID == entry.ID {
			t.Entries[i] = entry
			return
		}
	}
	t.Entries = append(t.Entries, entry)
	t.Sort()
}

// Remove deletes the entry for (kind, id); it reports whether one existed.
func (t *Tree) Remove(kind ResourceKind, id string) bool {
	for i := range t.Entries {
		if t.Entries[i].Kind == kind && t.Entries[i].ID == id {
			t.Entries = append(t.Entries[:i], t.Entries[i+1:]...)
			return true
		}
	}
	return false
}

func (t *Tree) Clone() *Tree {
	n := &Tree{Entries: make([]TreeEntry, len(t.Entries))}
	copy(n.Entries, t.Entries)
	return n
}

func (t *Tree) Encode(w io.Writer) error {
	t.Sort()
	if _, err := w.Write(TREE_MAGIC[:]); err != nil {
		return err
	}
	for _, e := range t.Entries {
		if _, err := fmt.Fprintf(w, "%s %s %s\n", e.Kind, e.ID, e.Hash); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) Decode(r io.Reader) error {
	br := bufio.NewReader(r)
	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return err
	}
	if magic != TREE_MAGIC {
		return ErrUnsupportedObject
	}
	t.Entries = t.Entries[:0]
	for {
		line, readErr := br.ReadString('\n')
		if readErr != nil && readErr != io.EOF {
			return readErr
		}
		text := strings.TrimSuffix(line, "\n")
		if len(text) != 0 {
			fields := strings.SplitN(text, " ", 3)
			if len(fields) != 3 {
				return fmt.Errorf("error parsing tree entry: %s", text)
			}
			oid, err := plumbing.NewHashEx(fields[2])
			if err != nil {
				return err
			}
			t.Entries = append(t.Entries, TreeEntry{Kind: ResourceKind(fields[0]), ID: fields[1], Hash: oid})
		}
		if readErr == io.EOF {
			break
		}
	}
	return nil
}

// Rehash recomputes the canonical tree hash from the entries.
func (t *Tree) Rehash() plumbing.Hash {
	h := plumbing.NewHasher()
	_ = t.Encode(h)
	t.Hash = h.Sum()
	return t.Hash
}
