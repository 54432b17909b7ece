// Package raftlog implements the stable storage a Raft replica owns:
// a single file holding a fixed header (magic number, current term,
// voted-for identifier) followed by fixed-size log entries.
//
// Every public mutation is flushed to disk before it returns, so no
// acknowledged state change can be lost by a crash. The file is
// exclusively owned by one replica for its lifetime.
package raftlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	logging "github.com/ipfs/go-log/v2"

	"github.com/rinastack/raft/pkg/fileutil"
	"github.com/rinastack/raft/raftpb"
)

var plog = logging.Logger("raftlog")

const (
	// MagicNumber marks the head of every replica log file ("RAFT").
	MagicNumber uint32 = 0x52414654

	// VotedForSize is the fixed on-disk size of the voted-for field.
	// The last byte is always NUL, bounding identifiers to 31 bytes.
	VotedForSize = 32

	magicOffset       = 0
	currentTermOffset = 4
	votedForOffset    = 8

	// EntriesOffset is where the entry region starts.
	EntriesOffset = votedForOffset + VotedForSize
)

var (
	// ErrBadMagic means the file does not start with MagicNumber.
	ErrBadMagic = errors.New("raftlog: bad magic number")

	// ErrMisaligned means the entry region size is not a multiple of
	// the configured entry size. A log written with a different entry
	// size fails this check.
	ErrMisaligned = errors.New("raftlog: entry region is not aligned to the entry size")

	// ErrBadVotedFor means the on-disk voted-for field has no NUL byte.
	ErrBadVotedFor = errors.New("raftlog: voted_for field is not NUL-terminated")

	// ErrUnknownVotedFor means the recovered voted-for identifier names
	// no configured replica.
	ErrUnknownVotedFor = errors.New("raftlog: voted_for does not match any replica")

	// ErrOutOfRange means the requested index is outside the log.
	ErrOutOfRange = errors.New("raftlog: entry index out of range")

	// ErrPayloadTooLarge means an entry payload does not fit the
	// fixed-size record.
	ErrPayloadTooLarge = errors.New("raftlog: payload exceeds entry payload size")
)

// Store is the durable log of one replica.
type Store struct {
	path      string
	f         *os.File
	entrySize uint64

	currentTerm uint32
	votedFor    string
	lastIndex   uint64
	lastTerm    uint32
}

// Open creates the log file with a fresh header when it does not exist,
// and otherwise recovers and validates the persisted state. localID and
// peers bound the set of identifiers a recovered voted-for may name.
//
// entrySize is the fixed on-disk size of one entry, term included; it
// must exceed the 4-byte term. Reopening a log with a different
// entrySize fails the alignment check.
func Open(path string, entrySize int, localID string, peers []string) (*Store, error) {
	if entrySize <= 4 {
		return nil, fmt.Errorf("raftlog: entry size %d is too small", entrySize)
	}

	s := &Store{path: path, entrySize: uint64(entrySize)}

	if !fileutil.ExistFileOrDir(path) {
		f, err := fileutil.CreateToUpdate(path)
		if err != nil {
			return nil, err
		}
		s.f = f
		if err := s.initHeader(); err != nil {
			f.Close()
			return nil, err
		}
		plog.Infof("log %q initialized on first boot", path)
		return s, nil
	}

	f, err := fileutil.OpenToUpdate(path)
	if err != nil {
		return nil, err
	}
	s.f = f
	if err := s.recover(localID, peers); err != nil {
		f.Close()
		return nil, err
	}
	plog.Infof("log %q recovered (term=%d voted_for=%q last_index=%d)",
		path, s.currentTerm, s.votedFor, s.lastIndex)
	return s, nil
}

func (s *Store) initHeader() error {
	hdr := make([]byte, EntriesOffset)
	binary.LittleEndian.PutUint32(hdr[magicOffset:], MagicNumber)
	binary.LittleEndian.PutUint32(hdr[currentTermOffset:], 0)
	if _, err := s.f.WriteAt(hdr, 0); err != nil {
		return err
	}
	return fileutil.Fdatasync(s.f)
}

func (s *Store) recover(localID string, peers []string) error {
	fi, err := s.f.Stat()
	if err != nil {
		return err
	}
	size := fi.Size()
	if size < EntriesOffset {
		return ErrBadMagic
	}
	if (size-EntriesOffset)%int64(s.entrySize) != 0 {
		return ErrMisaligned
	}

	hdr := make([]byte, EntriesOffset)
	if _, err := s.f.ReadAt(hdr, 0); err != nil {
		return err
	}
	if binary.LittleEndian.Uint32(hdr[magicOffset:]) != MagicNumber {
		return ErrBadMagic
	}
	s.currentTerm = binary.LittleEndian.Uint32(hdr[currentTermOffset:])

	votedFor := hdr[votedForOffset : votedForOffset+VotedForSize]
	nul := -1
	for i, b := range votedFor {
		if b == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return ErrBadVotedFor
	}
	s.votedFor = string(votedFor[:nul])
	if s.votedFor != "" && s.votedFor != localID && !contains(peers, s.votedFor) {
		return ErrUnknownVotedFor
	}

	s.lastIndex = uint64(size-EntriesOffset) / s.entrySize
	if s.lastIndex > 0 {
		t, err := s.Term(s.lastIndex)
		if err != nil {
			return err
		}
		s.lastTerm = t
	}
	return nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// CurrentTerm returns the persisted current term.
func (s *Store) CurrentTerm() uint32 { return s.currentTerm }

// VotedFor returns the persisted vote, or "" when no vote is recorded.
func (s *Store) VotedFor() string { return s.votedFor }

// LastIndex returns the index of the last log entry, 0 for an empty log.
func (s *Store) LastIndex() uint64 { return s.lastIndex }

// LastTerm returns the term of the entry at LastIndex, 0 for an empty log.
func (s *Store) LastTerm() uint32 { return s.lastTerm }

// PayloadSize returns the number of payload bytes each entry carries.
func (s *Store) PayloadSize() int { return int(s.entrySize) - 4 }

// SetCurrentTerm durably updates the current term.
func (s *Store) SetCurrentTerm(t uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], t)
	if _, err := s.f.WriteAt(buf[:], currentTermOffset); err != nil {
		return err
	}
	if err := fileutil.Fdatasync(s.f); err != nil {
		return err
	}
	s.currentTerm = t
	return nil
}

// SetVotedFor durably updates the vote. An empty id resets the voting
// state. A no-op when id already equals the recorded vote.
func (s *Store) SetVotedFor(id string) error {
	if id == s.votedFor {
		return nil
	}
	if len(id) >= VotedForSize {
		return fmt.Errorf("raftlog: replica id %q is too long", id)
	}
	var buf [VotedForSize]byte
	copy(buf[:], id)
	if _, err := s.f.WriteAt(buf[:], votedForOffset); err != nil {
		return err
	}
	if err := fileutil.Fdatasync(s.f); err != nil {
		return err
	}
	s.votedFor = id
	return nil
}

// Append durably writes entries at positions start..start+len-1.
// When start is at or before the current last index, the existing tail
// from start on is discarded first, so the log never contains entries
// past the ones just written. Passing no entries with start at or
// before the last index is a pure truncation to start-1.
func (s *Store) Append(start uint64, entries []raftpb.Entry) error {
	if start == 0 || start > s.lastIndex+1 {
		return ErrOutOfRange
	}
	for i := range entries {
		if len(entries[i].Payload) > s.PayloadSize() {
			return ErrPayloadTooLarge
		}
	}

	newLast := start - 1 + uint64(len(entries))

	if len(entries) > 0 {
		buf := make([]byte, uint64(len(entries))*s.entrySize)
		for i := range entries {
			rec := buf[uint64(i)*s.entrySize:]
			binary.LittleEndian.PutUint32(rec, entries[i].Term)
			copy(rec[4:s.entrySize], entries[i].Payload)
		}
		if _, err := s.f.WriteAt(buf, s.entryOffset(start)); err != nil {
			return err
		}
	}

	if newLast < s.lastIndex {
		if err := s.f.Truncate(s.entryOffset(newLast + 1)); err != nil {
			return err
		}
	}
	if err := fileutil.Fdatasync(s.f); err != nil {
		return err
	}

	s.lastIndex = newLast
	if len(entries) > 0 {
		s.lastTerm = entries[len(entries)-1].Term
	} else if newLast == 0 {
		s.lastTerm = 0
	} else {
		t, err := s.Term(newLast)
		if err != nil {
			return err
		}
		s.lastTerm = t
	}
	return nil
}

// Entry reads the entry at index i. The payload comes back padded to
// the fixed payload size.
func (s *Store) Entry(i uint64) (raftpb.Entry, error) {
	if i == 0 || i > s.lastIndex {
		return raftpb.Entry{}, ErrOutOfRange
	}
	buf := make([]byte, s.entrySize)
	if _, err := s.f.ReadAt(buf, s.entryOffset(i)); err != nil {
		return raftpb.Entry{}, err
	}
	return raftpb.Entry{
		Term:    binary.LittleEndian.Uint32(buf),
		Payload: buf[4:],
	}, nil
}

// Term reads the term of the entry at index i; index 0 has term 0.
func (s *Store) Term(i uint64) (uint32, error) {
	if i == 0 {
		return 0, nil
	}
	if i > s.lastIndex {
		return 0, ErrOutOfRange
	}
	var buf [4]byte
	if _, err := s.f.ReadAt(buf[:], s.entryOffset(i)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (s *Store) entryOffset(i uint64) int64 {
	return EntriesOffset + int64((i-1)*s.entrySize)
}

// Close releases the file handle. The on-disk state stays intact.
func (s *Store) Close() error {
	return s.f.Close()
}

// Remove closes the store and deletes the log file. Meant for tests;
// production hosts must not call it.
func (s *Store) Remove() error {
	if err := s.f.Close(); err != nil {
		return err
	}
	return os.Remove(s.path)
}
