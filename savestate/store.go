// Copyright 2026 The Crowdplay Authors
// SPDX-License-Identifier: Apache-2.0

// Package savestate persists emulator machine snapshots on disk.
//
// Each snapshot is a single container file: a fixed magic and format
// version, a CBOR header carrying identity and integrity metadata,
// and the compressed machine payload. The payload hash is a keyed
// blake3 digest of the uncompressed bytes, so integrity survives a
// change of compression codec. Writes go through a temporary file and
// rename, so a crash mid-write never leaves a truncated snapshot
// under the final name.
package savestate

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/crowdplay-project/crowdplay/lib/clock"
	"github.com/crowdplay-project/crowdplay/lib/codec"
)

// AutosaveName is the snapshot name used for automatic saves taken on
// clean session stop. Crash recovery prefers the newest snapshot
// regardless of name, so autosaves and operator saves compete on
// recency alone.
const AutosaveName = "autosave"

// snapshotSuffix is the on-disk file extension for container files.
const snapshotSuffix = ".state"

var (
	// ErrNotFound reports that no snapshot exists under the requested
	// cartridge and name.
	ErrNotFound = errors.New("snapshot not found")

	// ErrCorrupt reports that a snapshot file exists but failed
	// structural or integrity verification. Callers treat a corrupt
	// snapshot like a missing one and fall back to older snapshots or
	// a cold restart.
	ErrCorrupt = errors.New("snapshot corrupt")
)

// containerMagic opens every snapshot file.
var containerMagic = [4]byte{'C', 'P', 'S', 'V'}

// containerVersion is bumped on incompatible layout changes.
const containerVersion = 1

// maxHeaderSize bounds the header length field so a corrupt file
// cannot force an absurd allocation.
const maxHeaderSize = 1 << 20

// payloadHashKey is the keyed-hash domain for snapshot payloads,
// ASCII zero-padded to the blake3 key size.
var payloadHashKey = makeHashKey("crowdplay:savestate:payload")

func makeHashKey(domain string) []byte {
	if len(domain) > 32 {
		panic("savestate: hash domain longer than key size: " + domain)
	}
	key := make([]byte, 32)
	copy(key, domain)
	return key
}

// payloadHash computes the keyed integrity digest of an uncompressed
// payload.
func payloadHash(payload []byte) ([]byte, error) {
	hasher, err := blake3.NewKeyed(payloadHashKey)
	if err != nil {
		return nil, fmt.Errorf("savestate: keyed hasher: %w", err)
	}
	hasher.Write(payload)
	return hasher.Sum(nil), nil
}

// componentPattern restricts cartridge and snapshot names to a flat
// filename shape. No leading dot, no path separators.
var componentPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._ -]{0,63}$`)

func validateComponent(kind, value string) error {
	if !componentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s %q", kind, value)
	}
	return nil
}

// header is the CBOR-encoded metadata block of a container file.
// Field names are part of the on-disk format.
type header struct {
	Cartridge        string `cbor:"cartridge"`
	Name             string `cbor:"name"`
	SnapshotID       string `cbor:"snapshot_id"`
	CreatedUnixMilli int64  `cbor:"created_ms"`
	Compression      uint8  `cbor:"compression"`
	UncompressedSize uint64 `cbor:"uncompressed_size"`
	PayloadHash      []byte `cbor:"payload_hash"`
}

// Snapshot is the metadata of one stored snapshot.
type Snapshot struct {
	// Cartridge is the cartridge file name the snapshot belongs to.
	Cartridge string

	// Name is the operator-chosen snapshot name, or AutosaveName.
	Name string

	// ID is a unique identifier assigned at save time.
	ID string

	// CreatedAt is the save timestamp.
	CreatedAt time.Time

	// Size is the uncompressed payload size in bytes.
	Size int

	// Compression is the codec the payload was stored with.
	Compression CompressionTag
}

func snapshotFromHeader(h header) Snapshot {
	return Snapshot{
		Cartridge:   h.Cartridge,
		Name:        h.Name,
		ID:          h.SnapshotID,
		CreatedAt:   time.UnixMilli(h.CreatedUnixMilli).UTC(),
		Size:        int(h.UncompressedSize),
		Compression: CompressionTag(h.Compression),
	}
}

// Config configures a Store.
type Config struct {
	// Dir is the root directory for snapshot files. Created if
	// missing.
	Dir string

	// Compression selects the payload codec for new snapshots.
	// Existing snapshots decode by their stored tag regardless.
	Compression CompressionTag

	// Logger receives save and load records. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// Clock supplies save timestamps. Defaults to the wall clock.
	Clock clock.Clock
}

// Store reads and writes snapshot container files under a root
// directory, one subdirectory per cartridge. Store methods are safe
// for concurrent use; concurrent saves under the same name last-write
// win at the rename.
type Store struct {
	dir         string
	compression CompressionTag
	logger      *slog.Logger
	clock       clock.Clock
}

// New opens a snapshot store rooted at cfg.Dir.
func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("savestate: directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("savestate: create directory: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cl := cfg.Clock
	if cl == nil {
		cl = clock.Real()
	}
	return &Store{
		dir:         cfg.Dir,
		compression: cfg.Compression,
		logger:      logger,
		clock:       cl,
	}, nil
}

// path returns the container file path for a cartridge and snapshot
// name. Both components are pre-validated.
func (s *Store) path(cartridge, name string) string {
	return filepath.Join(s.dir, cartridge, name+snapshotSuffix)
}

// Save writes a snapshot, replacing any existing snapshot with the
// same cartridge and name.
func (s *Store) Save(cartridge, name string, payload []byte) (Snapshot, error) {
	if err := validateComponent("cartridge", cartridge); err != nil {
		return Snapshot{}, fmt.Errorf("savestate: %w", err)
	}
	if err := validateComponent("snapshot name", name); err != nil {
		return Snapshot{}, fmt.Errorf("savestate: %w", err)
	}

	digest, err := payloadHash(payload)
	if err != nil {
		return Snapshot{}, err
	}
	stored, tag, err := compress(payload, s.compression)
	if err != nil {
		return Snapshot{}, fmt.Errorf("savestate: compress payload: %w", err)
	}

	h := header{
		Cartridge:        cartridge,
		Name:             name,
		SnapshotID:       uuid.NewString(),
		CreatedUnixMilli: s.clock.Now().UnixMilli(),
		Compression:      uint8(tag),
		UncompressedSize: uint64(len(payload)),
		PayloadHash:      digest,
	}
	container, err := buildContainer(h, stored)
	if err != nil {
		return Snapshot{}, err
	}

	destination := s.path(cartridge, name)
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return Snapshot{}, fmt.Errorf("savestate: create cartridge directory: %w", err)
	}
	if err := writeAtomic(destination, container); err != nil {
		return Snapshot{}, fmt.Errorf("savestate: write snapshot: %w", err)
	}

	snapshot := snapshotFromHeader(h)
	s.logger.Debug("snapshot saved",
		"cartridge", cartridge,
		"name", name,
		"snapshot_id", h.SnapshotID,
		"size", len(payload),
		"stored_size", len(container),
		"compression", tag.String())
	return snapshot, nil
}

// Load reads the snapshot stored under cartridge and name and returns
// the verified uncompressed payload.
func (s *Store) Load(cartridge, name string) ([]byte, Snapshot, error) {
	if err := validateComponent("cartridge", cartridge); err != nil {
		return nil, Snapshot{}, fmt.Errorf("savestate: %w", err)
	}
	if err := validateComponent("snapshot name", name); err != nil {
		return nil, Snapshot{}, fmt.Errorf("savestate: %w", err)
	}

	data, err := os.ReadFile(s.path(cartridge, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, Snapshot{}, fmt.Errorf("savestate: %q for %q: %w", name, cartridge, ErrNotFound)
	}
	if err != nil {
		return nil, Snapshot{}, fmt.Errorf("savestate: read snapshot: %w", err)
	}

	h, payload, err := parseContainer(data)
	if err != nil {
		return nil, Snapshot{}, fmt.Errorf("savestate: %q for %q: %w", name, cartridge, err)
	}
	if h.Cartridge != cartridge {
		return nil, Snapshot{}, fmt.Errorf("savestate: %q holds a snapshot for cartridge %q, not %q: %w",
			name, h.Cartridge, cartridge, ErrCorrupt)
	}

	s.logger.Debug("snapshot loaded",
		"cartridge", cartridge,
		"name", name,
		"snapshot_id", h.SnapshotID,
		"size", len(payload))
	return payload, snapshotFromHeader(h), nil
}

// List returns the metadata of every readable snapshot for a
// cartridge, newest first. Corrupt files are skipped with a warning
// rather than failing the listing.
func (s *Store) List(cartridge string) ([]Snapshot, error) {
	if err := validateComponent("cartridge", cartridge); err != nil {
		return nil, fmt.Errorf("savestate: %w", err)
	}

	entries, err := os.ReadDir(filepath.Join(s.dir, cartridge))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("savestate: list snapshots: %w", err)
	}

	var snapshots []Snapshot
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != snapshotSuffix {
			continue
		}
		path := filepath.Join(s.dir, cartridge, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("skipping unreadable snapshot", "path", path, "error", err)
			continue
		}
		h, _, err := parseContainer(data)
		if err != nil {
			s.logger.Warn("skipping corrupt snapshot", "path", path, "error", err)
			continue
		}
		snapshots = append(snapshots, snapshotFromHeader(h))
	}

	sort.Slice(snapshots, func(i, j int) bool {
		if !snapshots[i].CreatedAt.Equal(snapshots[j].CreatedAt) {
			return snapshots[i].CreatedAt.After(snapshots[j].CreatedAt)
		}
		return snapshots[i].Name < snapshots[j].Name
	})
	return snapshots, nil
}

// Latest loads the most recently created snapshot for a cartridge.
// Returns ErrNotFound when the cartridge has no readable snapshots.
func (s *Store) Latest(cartridge string) ([]byte, Snapshot, error) {
	snapshots, err := s.List(cartridge)
	if err != nil {
		return nil, Snapshot{}, err
	}
	if len(snapshots) == 0 {
		return nil, Snapshot{}, fmt.Errorf("savestate: no snapshots for %q: %w", cartridge, ErrNotFound)
	}
	return s.Load(cartridge, snapshots[0].Name)
}

// buildContainer assembles the on-disk byte layout: magic, version,
// big-endian header length, CBOR header, stored payload.
func buildContainer(h header, stored []byte) ([]byte, error) {
	headerBytes, err := codec.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("savestate: encode header: %w", err)
	}
	container := make([]byte, 0, len(containerMagic)+1+4+len(headerBytes)+len(stored))
	container = append(container, containerMagic[:]...)
	container = append(container, containerVersion)
	container = binary.BigEndian.AppendUint32(container, uint32(len(headerBytes)))
	container = append(container, headerBytes...)
	container = append(container, stored...)
	return container, nil
}

// parseContainer validates the container layout, decodes the header,
// decompresses the payload, and verifies the integrity digest. Every
// failure wraps ErrCorrupt.
func parseContainer(data []byte) (header, []byte, error) {
	prefix := len(containerMagic) + 1 + 4
	if len(data) < prefix {
		return header{}, nil, fmt.Errorf("file is %d bytes, shorter than the container prefix: %w", len(data), ErrCorrupt)
	}
	if [4]byte(data[:4]) != containerMagic {
		return header{}, nil, fmt.Errorf("bad magic %q: %w", data[:4], ErrCorrupt)
	}
	if data[4] != containerVersion {
		return header{}, nil, fmt.Errorf("unsupported container version %d: %w", data[4], ErrCorrupt)
	}
	headerLen := binary.BigEndian.Uint32(data[5:9])
	if headerLen > maxHeaderSize || int(headerLen) > len(data)-prefix {
		return header{}, nil, fmt.Errorf("header length %d exceeds file: %w", headerLen, ErrCorrupt)
	}

	var h header
	if err := codec.Unmarshal(data[prefix:prefix+int(headerLen)], &h); err != nil {
		return header{}, nil, fmt.Errorf("decode header: %v: %w", err, ErrCorrupt)
	}
	if h.UncompressedSize > maxPayloadSize {
		return header{}, nil, fmt.Errorf("payload size %d exceeds limit: %w", h.UncompressedSize, ErrCorrupt)
	}

	stored := data[prefix+int(headerLen):]
	payload, err := decompress(stored, CompressionTag(h.Compression), int(h.UncompressedSize))
	if err != nil {
		return header{}, nil, fmt.Errorf("%v: %w", err, ErrCorrupt)
	}

	digest, err := payloadHash(payload)
	if err != nil {
		return header{}, nil, err
	}
	if !bytes.Equal(h.PayloadHash, digest) {
		return header{}, nil, fmt.Errorf("payload hash mismatch: %w", ErrCorrupt)
	}
	return h, payload, nil
}

// maxPayloadSize bounds the uncompressed payload so a corrupt header
// cannot force an absurd allocation. Machine snapshots are far below
// this.
const maxPayloadSize = 256 << 20

// writeAtomic writes data to path through a temporary file in the
// same directory, syncing before the rename so the final name only
// ever refers to a complete container.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temporary file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temporary file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
