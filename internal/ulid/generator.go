package ulid

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"time"
	"unsafe"

	oklid "github.com/oklog/ulid/v2"
)

// Flag tunes generator behaviour.
type Flag uint8

const (
	// Relaxed drops the same-millisecond counter bump; every ID gets fresh random bits.
	Relaxed Flag = 1 << iota
	// Paranoid clears the top bit of the random field for consumers that read it as signed.
	Paranoid
	// Secure refuses to run without operating system entropy.
	Secure
)

// Seeding reports how the generator state was seeded.
type Seeding int

const (
	SeedEntropy Seeding = iota
	SeedFallback
)

func (s Seeding) String() string {
	if s == SeedFallback {
		return "fallback"
	}
	return "entropy"
}

var ErrEntropyUnavailable = errors.New("ulid: entropy source unavailable")

// Fallback seeding keeps mixing until both bounds are reached.
var (
	fallbackRounds uint64 = 1 << 16
	fallbackWindow        = 500 * time.Millisecond
)

const keySize = 256

type Option func(*Generator)

// WithEntropy replaces crypto/rand.Reader as the seed source.
func WithEntropy(r io.Reader) Option {
	return func(g *Generator) { g.entropy = r }
}

func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// Generator produces IDs ordered by time. Within one millisecond, and unless
// Relaxed is set, each ID is the previous one plus one.
type Generator struct {
	mu      sync.Mutex
	last    ID
	lastMs  uint64
	flags   Flag
	ks      stream
	seeding Seeding

	entropy io.Reader
	now     func() time.Time
}

func NewGenerator(flags Flag, opts ...Option) (*Generator, error) {
	g := &Generator{flags: flags, ks: newStream(), entropy: rand.Reader, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}

	var key [keySize]byte
	if _, err := io.ReadFull(g.entropy, key[:]); err == nil {
		g.ks.mix(key[:])
		g.seeding = SeedEntropy
		return g, nil
	}
	if flags&Secure != 0 {
		return nil, ErrEntropyUnavailable
	}
	g.seedFallback()
	g.seeding = SeedFallback
	return g, nil
}

func (g *Generator) seedFallback() {
	var noise [32]byte
	start := time.Now()
	for n := uint64(0); n < fallbackRounds || time.Since(start) < fallbackWindow; n++ {
		binary.LittleEndian.PutUint64(noise[0:], uint64(time.Now().UnixNano()))
		binary.LittleEndian.PutUint64(noise[8:], uint64(time.Since(start)))
		binary.LittleEndian.PutUint64(noise[16:], uint64(uintptr(unsafe.Pointer(&noise))))
		binary.LittleEndian.PutUint64(noise[24:], n)
		g.ks.mix(noise[:])
	}
}

func (g *Generator) Seeding() Seeding { return g.seeding }

func (g *Generator) Flags() Flag { return g.flags }

// Next returns a new ID. The 80-bit counter overflow within a single
// millisecond is not handled.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := oklid.Timestamp(g.now())

	if g.flags&Relaxed == 0 && ms == g.lastMs {
		for k := len(g.last) - 1; k > 5; k-- {
			g.last[k]++
			if g.last[k] != 0 {
				break
			}
		}
		return g.last
	}

	g.lastMs = ms
	putTimestamp(&g.last, ms)
	g.ks.read(g.last[6:])
	if g.flags&Paranoid != 0 {
		g.last[6] &= 0x7f
	}
	return g.last
}
