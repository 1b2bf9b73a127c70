package decode

import (
	"fmt"
	"sync"

	"github.com/danmuck/emtrace/internal/protocol"
)

// SectionResolver resolves identities against a section image: a magic
// header followed by aligned format-info blocks, where an identity is
// base plus the block's image offset.
type SectionResolver struct {
	image []byte
	base  uint64
	cal   protocol.Calibration

	mu    sync.Mutex
	cache map[uint64]*protocol.FormatInfo
}

// NewSectionResolver calibrates from the image's own header.
func NewSectionResolver(image []byte, base uint64) (*SectionResolver, error) {
	cal, _, err := protocol.ParseHeader(image)
	if err != nil {
		return nil, fmt.Errorf("section image: %w", err)
	}
	return &SectionResolver{
		image: image,
		base:  base,
		cal:   cal,
		cache: make(map[uint64]*protocol.FormatInfo),
	}, nil
}

func (s *SectionResolver) Calibration() protocol.Calibration { return s.cal }

func (s *SectionResolver) Resolve(ref uint64) (*protocol.FormatInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fi, ok := s.cache[ref]; ok {
		return fi, nil
	}
	headerLen := uint64(s.cal.HeaderLen())
	if ref < s.base+headerLen || ref-s.base >= uint64(len(s.image)) {
		return nil, fmt.Errorf("%w: ref %#x outside section [%#x, %#x)",
			protocol.ErrUnknownBlock, ref, s.base+headerLen, s.base+uint64(len(s.image)))
	}
	off := ref - s.base
	if off%uint64(s.cal.Size) != 0 {
		return nil, fmt.Errorf("%w: ref %#x is not size_t aligned", protocol.ErrUnknownBlock, ref)
	}
	fi, err := protocol.ParseFormatInfo(s.image[off:], s.cal)
	if err != nil {
		return nil, fmt.Errorf("ref %#x: %w", ref, err)
	}
	s.cache[ref] = fi
	return fi, nil
}
