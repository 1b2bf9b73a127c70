package capture

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/danmuck/emtrace/internal/decode"
	"github.com/danmuck/emtrace/internal/protocol"
	"github.com/danmuck/emtrace/internal/trace"
	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

const SnapshotVersion = 1

var (
	ErrSnapshotVersion = errors.New("capture: unsupported snapshot version")
	ErrSnapshotDigest  = errors.New("capture: snapshot digest mismatch")
)

// SiteEntry indexes one block of the section image.
type SiteEntry struct {
	Ref       uint64   `cbor:"ref" json:"ref"`
	File      string   `cbor:"file" json:"file"`
	Line      uint64   `cbor:"line" json:"line"`
	Format    string   `cbor:"format" json:"format"`
	Formatter uint64   `cbor:"formatter" json:"formatter"`
	Args      []string `cbor:"args" json:"args"`
}

// Snapshot carries a producer's section image so records can be decoded
// offline. The image is authoritative; Sites is an index for inspection.
type Snapshot struct {
	Version   int         `cbor:"version"`
	Producer  string      `cbor:"producer,omitempty"`
	CreatedAt int64       `cbor:"created_at"`
	Base      uint64      `cbor:"base"`
	SizeWidth int         `cbor:"size_width"`
	PtrWidth  int         `cbor:"ptr_width"`
	ByteOrder string      `cbor:"byte_order"`
	Section   []byte      `cbor:"section"`
	Digest    []byte      `cbor:"digest"`
	Sites     []SiteEntry `cbor:"sites"`
}

var (
	snapshotEnc cbor.EncMode
	snapshotDec cbor.DecMode
)

func init() {
	var err error
	snapshotEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("capture: CBOR encoder initialization failed: " + err.Error())
	}
	snapshotDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("capture: CBOR decoder initialization failed: " + err.Error())
	}
}

// FromRegistry captures the registry's current section image.
func FromRegistry(reg *trace.Registry, producer string) *Snapshot {
	cal := reg.Calibration()
	section := reg.Section()
	digest := blake3.Sum256(section)
	s := &Snapshot{
		Version:   SnapshotVersion,
		Producer:  producer,
		CreatedAt: time.Now().Unix(),
		Base:      reg.Base(),
		SizeWidth: cal.Size,
		PtrWidth:  cal.Ptr,
		ByteOrder: cal.OrderName(),
		Section:   section,
		Digest:    digest[:],
	}
	for _, site := range reg.Sites() {
		info := site.Info()
		args := make([]string, len(info.Args))
		for i, a := range info.Args {
			args[i] = a.TypeName
		}
		s.Sites = append(s.Sites, SiteEntry{
			Ref:       site.Ref(),
			File:      info.File,
			Line:      info.Line,
			Format:    info.Format,
			Formatter: uint64(info.Formatter),
			Args:      args,
		})
	}
	return s
}

// Verify checks the version, digest and embedded header.
func (s *Snapshot) Verify() error {
	if s.Version != SnapshotVersion {
		return fmt.Errorf("%w: %d", ErrSnapshotVersion, s.Version)
	}
	digest := blake3.Sum256(s.Section)
	if !bytes.Equal(digest[:], s.Digest) {
		return ErrSnapshotDigest
	}
	cal, _, err := protocol.ParseHeader(s.Section)
	if err != nil {
		return fmt.Errorf("snapshot section: %w", err)
	}
	if cal.Size != s.SizeWidth || cal.Ptr != s.PtrWidth || cal.OrderName() != s.ByteOrder {
		return fmt.Errorf("snapshot section header (%s) disagrees with snapshot fields", cal)
	}
	return nil
}

// Resolver verifies s and resolves identities against its image.
func (s *Snapshot) Resolver() (*decode.SectionResolver, error) {
	if err := s.Verify(); err != nil {
		return nil, err
	}
	return decode.NewSectionResolver(s.Section, s.Base)
}

func EncodeSnapshot(s *Snapshot) ([]byte, error) {
	return snapshotEnc.Marshal(s)
}

func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := snapshotDec.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}

// SaveSnapshot writes s atomically.
func SaveSnapshot(path string, s *Snapshot) error {
	data, err := EncodeSnapshot(s)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads and verifies a snapshot file.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	s, err := DecodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	if err := s.Verify(); err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", path, err)
	}
	return s, nil
}
