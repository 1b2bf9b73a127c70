package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SourceKind is the transport of a decoder input.
type SourceKind int

const (
	SourceStdin SourceKind = iota
	SourceFile
	SourceTCP
	SourceUnix
)

func (k SourceKind) String() string {
	switch k {
	case SourceStdin:
		return "stdin"
	case SourceFile:
		return "file"
	case SourceTCP:
		return "tcp"
	case SourceUnix:
		return "unix"
	default:
		return "unknown"
	}
}

// Source is a parsed input location.
type Source struct {
	Kind    SourceKind
	Address string
}

func (s Source) String() string {
	switch s.Kind {
	case SourceStdin:
		return "stdin"
	case SourceFile:
		return s.Address
	default:
		return s.Kind.String() + "://" + s.Address
	}
}

// ParseSource accepts "-", "stdin", "file://path", "tcp://host:port",
// "unix://path", a bare "host:port" (TCP) or a file path.
func ParseSource(raw string) (Source, error) {
	switch {
	case raw == "" || raw == "-" || raw == "stdin":
		return Source{Kind: SourceStdin}, nil
	case strings.HasPrefix(raw, "file://"):
		return nonEmpty(Source{Kind: SourceFile, Address: strings.TrimPrefix(raw, "file://")})
	case strings.HasPrefix(raw, "tcp://"):
		addr := strings.TrimPrefix(raw, "tcp://")
		if !isHostPort(addr) {
			return Source{}, fmt.Errorf("invalid tcp address %q", addr)
		}
		return Source{Kind: SourceTCP, Address: addr}, nil
	case strings.HasPrefix(raw, "unix://"):
		return nonEmpty(Source{Kind: SourceUnix, Address: strings.TrimPrefix(raw, "unix://")})
	case isHostPort(raw):
		return Source{Kind: SourceTCP, Address: raw}, nil
	default:
		return Source{Kind: SourceFile, Address: raw}, nil
	}
}

func nonEmpty(s Source) (Source, error) {
	if s.Address == "" {
		return Source{}, fmt.Errorf("empty %s address", s.Kind)
	}
	return s, nil
}

func isHostPort(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host == "" || strings.ContainsAny(host, "/\\") {
		return false
	}
	n, err := strconv.Atoi(port)
	return err == nil && n > 0 && n < 65536
}

// input is an opened source. Cancelling the context passed to Open closes
// the transport so blocked reads return.
type input struct {
	io.Reader
	dec       io.Closer
	transport io.Closer
	stop      func() bool

	closeOnce sync.Once
	closeErr  error
}

func (in *input) closeTransport() error {
	in.closeOnce.Do(func() { in.closeErr = in.transport.Close() })
	return in.closeErr
}

func (in *input) Close() error {
	in.stop()
	return errors.Join(in.dec.Close(), in.closeTransport())
}

// Open connects to src and returns its byte stream with any zstd or lz4
// framing removed.
func Open(ctx context.Context, src Source, cfg DialConfig, log zerolog.Logger) (io.ReadCloser, error) {
	var raw io.ReadCloser
	switch src.Kind {
	case SourceStdin:
		raw = io.NopCloser(os.Stdin)
	case SourceFile:
		f, err := os.Open(src.Address)
		if err != nil {
			return nil, fmt.Errorf("open input: %w", err)
		}
		raw = f
	case SourceTCP, SourceUnix:
		conn, err := dial(ctx, src, cfg, log)
		if err != nil {
			return nil, err
		}
		raw = conn
	default:
		return nil, fmt.Errorf("unsupported source %s", src)
	}

	in := &input{transport: raw}
	in.stop = context.AfterFunc(ctx, func() {
		log.Debug().Str("input", src.String()).Msg("input interrupted")
		_ = in.closeTransport()
	})
	dec, c, err := Decompress(raw)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		in.stop()
		if dec != nil {
			_ = dec.Close()
		}
		_ = in.closeTransport()
		return nil, err
	}
	if c != CompressionNone {
		log.Debug().Str("input", src.String()).Str("compression", c.String()).Msg("compressed input detected")
	}
	in.Reader, in.dec = dec, dec
	return in, nil
}

func dial(ctx context.Context, src Source, cfg DialConfig, log zerolog.Logger) (net.Conn, error) {
	network := "tcp"
	if src.Kind == SourceUnix {
		network = "unix"
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	d := net.Dialer{Timeout: cfg.Timeout}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := d.DialContext(ctx, network, src.Address)
		if err == nil {
			log.Info().Str("input", src.String()).Int("attempt", attempt).Msg("input connected")
			return conn, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		delay := NextBackoffDelay(cfg.Backoff, attempt, rng)
		log.Warn().Err(err).Str("input", src.String()).Int("attempt", attempt).Dur("retry_in", delay).Msg("dial failed")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("dial %s after %d attempts: %w", src, attempts, lastErr)
}
