package trace

import (
	"fmt"
	"sync"

	"github.com/danmuck/emtrace/internal/protocol"
)

// DefaultBase is the identity of the section image's first byte.
const DefaultBase uint64 = 0x1000

// Site is an immutable, registered format-info block.
type Site struct {
	ref  uint64
	info protocol.FormatInfo
	size int
}

func (s *Site) Ref() uint64 { return s.ref }

// Info returns a copy of the block's metadata.
func (s *Site) Info() protocol.FormatInfo {
	info := s.info
	info.Args = append([]protocol.Arg(nil), s.info.Args...)
	return info
}

// BlockLen is the encoded block size, excluding alignment padding.
func (s *Site) BlockLen() int { return s.size }

// Registry owns the section image: the magic header at offset 0 followed
// by every format-info block, each aligned to size_width. Identities are
// base + image offset and never change once issued.
type Registry struct {
	mu     sync.RWMutex
	cal    protocol.Calibration
	base   uint64
	image  []byte
	sites  map[uint64]*Site
	byBody map[string]*Site
	order  []*Site
}

type RegistryOption func(*Registry)

// WithBase sets the identity of the image's first byte.
func WithBase(base uint64) RegistryOption {
	return func(r *Registry) { r.base = base }
}

func NewRegistry(cal protocol.Calibration, opts ...RegistryOption) (*Registry, error) {
	head, err := protocol.EncodeHeader(cal)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		cal:    cal,
		base:   DefaultBase,
		image:  head,
		sites:  make(map[uint64]*Site),
		byBody: make(map[string]*Site),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.base == 0 {
		return nil, fmt.Errorf("registry base must be non-zero")
	}
	return r, nil
}

func (r *Registry) Calibration() protocol.Calibration { return r.cal }
func (r *Registry) Base() uint64                      { return r.base }

// Register encodes info once and returns its site. Registering identical
// metadata again returns the existing site.
func (r *Registry) Register(info protocol.FormatInfo) (*Site, error) {
	block, err := info.Encode(r.cal)
	if err != nil {
		return nil, err
	}
	key := string(block)

	r.mu.RLock()
	site, ok := r.byBody[key]
	r.mu.RUnlock()
	if ok {
		return site, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if site, ok := r.byBody[key]; ok {
		return site, nil
	}
	for len(r.image)%r.cal.Size != 0 {
		r.image = append(r.image, 0)
	}
	offset := uint64(len(r.image))
	if offset+uint64(len(block)) > r.cal.MaxSize()-r.base {
		return nil, fmt.Errorf("registry: section image exhausted at offset %d", offset)
	}
	r.image = append(r.image, block...)

	info.Args = append([]protocol.Arg(nil), info.Args...)
	site = &Site{ref: r.base + offset, info: info, size: len(block)}
	r.sites[site.ref] = site
	r.byBody[key] = site
	r.order = append(r.order, site)
	return site, nil
}

// Resolve maps an identity back to its block.
func (r *Registry) Resolve(ref uint64) (*protocol.FormatInfo, error) {
	r.mu.RLock()
	site, ok := r.sites[ref]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: ref %#x", protocol.ErrUnknownBlock, ref)
	}
	info := site.Info()
	return &info, nil
}

// Sites lists registered sites in registration order.
func (r *Registry) Sites() []*Site {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Site(nil), r.order...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Section returns a copy of the section image.
func (r *Registry) Section() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]byte(nil), r.image...)
}
