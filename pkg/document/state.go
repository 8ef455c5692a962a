// Package document wraps a single automerge replica behind the merge,
// encode, decode and diff operations the sync engine relies on.
package document

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/automerge/automerge-go"
)

// ContentField is the root map key holding the collaborative text.
const ContentField = "content"

var (
	// ErrMalformedUpdate is returned when an update or snapshot cannot be decoded.
	ErrMalformedUpdate = errors.New("malformed update")
	// ErrMissingDependencies is returned when an update builds on changes the
	// replica has not seen yet.
	ErrMissingDependencies = errors.New("update depends on unknown changes")
)

// Chunk header layout: magic, 4-byte checksum, type byte, uLEB128 length.
var chunkMagic = []byte{0x85, 0x6f, 0x4a, 0x83}

const chunkTypeDocument = 0x00

// State is one CRDT replica. It is not safe for concurrent use; the owner
// (a session actor or a single sync call) serializes access.
type State struct {
	doc *automerge.Doc
}

// New returns an empty replica.
func New() *State {
	return &State{doc: automerge.New()}
}

// Seed returns a replica whose content field is a text object holding text.
// The seeding change is committed so it can be shipped to other replicas.
func Seed(text string) (*State, error) {
	s := New()
	if err := s.doc.Path(ContentField).Set(automerge.NewText(text)); err != nil {
		return nil, fmt.Errorf("failed to seed document: %w", err)
	}
	if _, err := s.doc.Commit("seed", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return nil, fmt.Errorf("failed to commit seed: %w", err)
	}
	return s, nil
}

// Decode loads a full snapshot produced by Encode.
func Decode(snapshot []byte) (*State, error) {
	if len(snapshot) == 0 {
		return nil, fmt.Errorf("%w: empty snapshot", ErrMalformedUpdate)
	}
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	return &State{doc: doc}, nil
}

// Encode returns the full snapshot of the replica.
func (s *State) Encode() []byte {
	return s.doc.Save()
}

// Merge applies an encoded update (a change set or a full snapshot) to the
// replica. The payload is parsed strictly on top of the current snapshot
// first, because incremental loading tolerates trailing garbage, and then
// applied to a fork that is only swapped in when it loads cleanly, so a
// corrupt update never leaves the replica half-applied.
// The returned flag reports whether the heads moved; re-applying a known
// update is a no-op and reports false. Changes whose dependencies are
// missing are held back until those arrive; see Complete.
func (s *State) Merge(update []byte) (bool, error) {
	if len(update) == 0 {
		return false, fmt.Errorf("%w: empty update", ErrMalformedUpdate)
	}

	if _, err := automerge.Load(append(s.doc.Save(), update...)); err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}

	before := headStrings(s.doc.Heads())

	fork, err := s.doc.Fork()
	if err != nil {
		return false, fmt.Errorf("failed to fork document: %w", err)
	}
	if err := fork.LoadIncremental(update); err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	s.doc = fork

	return !sameHeads(before, headStrings(s.doc.Heads())), nil
}

// Complete reports whether every change carried by update is part of the
// replica's history. Call it after Merge: a change held back for missing
// dependencies is absent from Encode until they arrive. Snapshot chunks are
// self-contained and always count as complete.
func (s *State) Complete(update []byte) (bool, error) {
	changes, err := s.doc.Changes()
	if err != nil {
		return false, fmt.Errorf("failed to list changes: %w", err)
	}
	known := make(map[[4]byte]struct{}, len(changes))
	for _, c := range changes {
		h := c.Hash()
		known[[4]byte{h[0], h[1], h[2], h[3]}] = struct{}{}
	}

	for rest := update; len(rest) > 0; {
		if len(rest) < 10 || !bytes.Equal(rest[:4], chunkMagic) {
			return false, fmt.Errorf("%w: bad chunk header", ErrMalformedUpdate)
		}
		checksum := [4]byte{rest[4], rest[5], rest[6], rest[7]}
		kind := rest[8]
		n, w := binary.Uvarint(rest[9:])
		if w <= 0 || n > uint64(len(rest)-9-w) {
			return false, fmt.Errorf("%w: truncated chunk", ErrMalformedUpdate)
		}
		if kind != chunkTypeDocument {
			if _, ok := known[checksum]; !ok {
				return false, nil
			}
		}
		rest = rest[9+w+int(n):]
	}
	return true, nil
}

// Heads returns the hex change hashes at the tip of the replica.
func (s *State) Heads() []string {
	return headStrings(s.doc.Heads())
}

// DiffSince encodes every change the replica holds that is not covered by
// known. Unknown heads fall back to the full snapshot, which merges the same
// way. A nil result means the peer is up to date.
func (s *State) DiffSince(known []string) ([]byte, error) {
	hashes := make([]automerge.ChangeHash, 0, len(known))
	for _, h := range known {
		ch, err := automerge.NewChangeHash(h)
		if err != nil {
			return nil, fmt.Errorf("%w: bad head %q: %v", ErrMalformedUpdate, h, err)
		}
		hashes = append(hashes, ch)
	}

	changes, err := s.doc.Changes(hashes...)
	if err != nil {
		return s.doc.Save(), nil
	}
	if len(changes) == 0 {
		return nil, nil
	}
	return automerge.SaveChanges(changes), nil
}

// Text renders the content field. A replica without content renders as "".
func (s *State) Text() (string, error) {
	v, err := s.doc.Path(ContentField).Get()
	if err != nil {
		return "", fmt.Errorf("failed to read content: %w", err)
	}
	if v.Kind() != automerge.KindText {
		return "", nil
	}
	return v.Text().Get()
}

// Splice edits the content text locally and returns the encoded change so it
// can be sent to other replicas. Pending operations are committed when the
// changes are collected. The content field is created
// on first use.
func (s *State) Splice(pos, del int, text string) ([]byte, error) {
	before := s.doc.Heads()

	v, err := s.doc.Path(ContentField).Get()
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}
	if v.Kind() != automerge.KindText {
		if err := s.doc.Path(ContentField).Set(automerge.NewText("")); err != nil {
			return nil, fmt.Errorf("failed to create content: %w", err)
		}
	}
	if err := s.doc.Path(ContentField).Text().Splice(pos, del, text); err != nil {
		return nil, fmt.Errorf("failed to splice content: %w", err)
	}
	changes, err := s.doc.Changes(before...)
	if err != nil {
		return nil, fmt.Errorf("failed to collect changes: %w", err)
	}
	return automerge.SaveChanges(changes), nil
}

// Clone returns an independent replica with the same history.
func (s *State) Clone() (*State, error) {
	fork, err := s.doc.Fork()
	if err != nil {
		return nil, fmt.Errorf("failed to fork document: %w", err)
	}
	return &State{doc: fork}, nil
}

func headStrings(heads []automerge.ChangeHash) []string {
	out := make([]string, len(heads))
	for i, h := range heads {
		out[i] = h.String()
	}
	return out
}

func sameHeads(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, h := range a {
		seen[h] = struct{}{}
	}
	for _, h := range b {
		if _, ok := seen[h]; !ok {
			return false
		}
	}
	return true
}
