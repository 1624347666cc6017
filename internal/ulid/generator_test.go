package ulid

import (
	"bytes"
	"crypto/rc4"
	"errors"
	"sync"
	"testing"
	"testing/iotest"
	"time"
)

func testKey() []byte {
	key := make([]byte, keySize)
	for k := range key {
		key[k] = byte(k*7 + 3)
	}
	return key
}

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

// tickingClock advances one millisecond per call.
func tickingClock(start int64) func() time.Time {
	var mu sync.Mutex
	ms := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		ms++
		return time.UnixMilli(ms)
	}
}

func rc4Bytes(t *testing.T, n int) []byte {
	t.Helper()
	ref, err := rc4.NewCipher(testKey())
	if err != nil {
		t.Fatal(err)
	}
	out := make([]byte, n)
	ref.XORKeyStream(out, make([]byte, n))
	return out
}

func seededGenerator(t *testing.T, flags Flag, clock func() time.Time) *Generator {
	t.Helper()
	g, err := NewGenerator(flags, WithEntropy(bytes.NewReader(testKey())), WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestStreamMatchesRC4(t *testing.T) {
	want := rc4Bytes(t, 1024)

	st := newStream()
	st.mix(testKey())
	got := make([]byte, len(want))
	st.read(got[:10])
	st.read(got[10:])
	if !bytes.Equal(want, got) {
		t.Fatal("stream output differs from rc4")
	}
}

func TestNewGeneratorSeedsFromEntropy(t *testing.T) {
	g := seededGenerator(t, 0, fixedClock(1700000000123))
	if g.Seeding() != SeedEntropy {
		t.Fatalf("seeding=%v", g.Seeding())
	}

	id := g.Next()
	if id.Timestamp() != 1700000000123 {
		t.Fatalf("timestamp %d", id.Timestamp())
	}
	if !bytes.Equal(id[6:], rc4Bytes(t, 10)) {
		t.Fatalf("random part %x", id[6:])
	}
}

func TestNewGeneratorSecureFailsClosed(t *testing.T) {
	_, err := NewGenerator(Secure|Paranoid, WithEntropy(iotest.ErrReader(errors.New("no entropy"))))
	if !errors.Is(err, ErrEntropyUnavailable) {
		t.Fatalf("expected ErrEntropyUnavailable, got %v", err)
	}
}

func TestNewGeneratorFallback(t *testing.T) {
	rounds, window := fallbackRounds, fallbackWindow
	fallbackRounds, fallbackWindow = 64, time.Millisecond
	t.Cleanup(func() { fallbackRounds, fallbackWindow = rounds, window })

	g, err := NewGenerator(Paranoid, WithEntropy(iotest.ErrReader(errors.New("no entropy"))))
	if err != nil {
		t.Fatal(err)
	}
	if g.Seeding() != SeedFallback || g.Seeding().String() != "fallback" {
		t.Fatalf("seeding=%v", g.Seeding())
	}
	if newStream().s == g.ks.s {
		t.Fatal("fallback left the stream unmixed")
	}
	if g.Next().IsZero() {
		t.Fatal("zero id")
	}
}

func TestNextMonotonicWithinMillisecond(t *testing.T) {
	g := seededGenerator(t, Paranoid, fixedClock(1700000000000))

	prev := g.Next()
	for k := 0; k < 10000; k++ {
		next := g.Next()
		if next.Compare(prev) != 1 || next.String() <= prev.String() {
			t.Fatalf("id %d (%s) not greater than %s", k, next, prev)
		}
		if next.Timestamp() != prev.Timestamp() {
			t.Fatalf("timestamp moved: %d -> %d", prev.Timestamp(), next.Timestamp())
		}
		prev = next
	}
}

func TestNextCarryPropagates(t *testing.T) {
	g := seededGenerator(t, 0, fixedClock(42))
	g.Next()

	g.last[6] = 0x10
	for k := 7; k < len(g.last); k++ {
		g.last[k] = 0xff
	}
	id := g.Next()
	if id[6] != 0x11 || !bytes.Equal(id[7:], make([]byte, 9)) {
		t.Fatalf("carry gave %x", id[6:])
	}
	if id.Timestamp() != 42 {
		t.Fatalf("timestamp %d", id.Timestamp())
	}
}

func TestNextRelaxedDrawsFreshBytes(t *testing.T) {
	g := seededGenerator(t, Relaxed, fixedClock(42))
	want := rc4Bytes(t, 20)

	a, b := g.Next(), g.Next()
	if !bytes.Equal(a[6:], want[:10]) || !bytes.Equal(b[6:], want[10:]) {
		t.Fatalf("relaxed ids %x %x", a[6:], b[6:])
	}
}

func TestNextParanoidClearsTopBit(t *testing.T) {
	paranoid := seededGenerator(t, Paranoid, tickingClock(0))
	plain := seededGenerator(t, 0, tickingClock(0))

	sawHigh := false
	for k := 0; k < 256; k++ {
		if paranoid.Next()[6]&0x80 != 0 {
			t.Fatalf("paranoid id %d has the top random bit set", k)
		}
		if plain.Next()[6]&0x80 != 0 {
			sawHigh = true
		}
	}
	if !sawHigh {
		t.Fatal("plain generator never set the top random bit")
	}
}

func TestNextNewMillisecondResetsTimestamp(t *testing.T) {
	g := seededGenerator(t, Paranoid, tickingClock(1000))
	a, b := g.Next(), g.Next()
	if a.Timestamp() != 1001 || b.Timestamp() != 1002 {
		t.Fatalf("timestamps %d %d", a.Timestamp(), b.Timestamp())
	}
	if b.Compare(a) != 1 {
		t.Fatal("later id sorts first")
	}
}

func TestNextConcurrentUnique(t *testing.T) {
	g, err := NewGenerator(Paranoid)
	if err != nil {
		t.Fatal(err)
	}

	const workers, perWorker = 8, 2000
	var (
		mu   sync.Mutex
		seen = make(map[ID]struct{}, workers*perWorker)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]ID, 0, perWorker)
			for k := 0; k < perWorker; k++ {
				local = append(local, g.Next())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
		}()
	}
	wg.Wait()
	if len(seen) != workers*perWorker {
		t.Fatalf("unique=%d, want %d", len(seen), workers*perWorker)
	}
}
