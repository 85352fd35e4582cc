package ringbuffer

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestUnderSize(t *testing.T) {
	r := New(16)
	r.Write([]byte("hello"))
	if got := r.Contents(); !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("got %q", got)
	}
}

func TestExactSize(t *testing.T) {
	r := New(5)
	r.Write([]byte("abcde"))
	if got := r.Contents(); !bytes.Equal(got, []byte("abcde")) {
		t.Fatalf("got %q", got)
	}
}

func TestWrap(t *testing.T) {
	r := New(5)
	r.Write([]byte("abcde"))
	r.Write([]byte("fg"))
	if got := r.Contents(); !bytes.Equal(got, []byte("cdefg")) {
		t.Fatalf("got %q", got)
	}
}

func TestMultipleWraps(t *testing.T) {
	r := New(4)
	r.Write([]byte("abcdefghijklmnop"))
	if got := r.Contents(); !bytes.Equal(got, []byte("mnop")) {
		t.Fatalf("got %q", got)
	}
}

func TestEmpty(t *testing.T) {
	r := New(16)
	if got := r.Contents(); len(got) != 0 {
		t.Fatalf("got %q", got)
	}
}

func TestSingleWriteLargerThanCapacity(t *testing.T) {
	r := New(4)
	r.Write([]byte("abcdefgh"))
	if got := r.Contents(); !bytes.Equal(got, []byte("efgh")) {
		t.Fatalf("got %q", got)
	}
}

// TestInvariant checks the property from spec §8: read_all returns
// exactly min(N, C) bytes equal to the last min(N, C) bytes written.
func TestInvariant(t *testing.T) {
	const capacity = 37
	r := New(capacity)
	var all []byte
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		n := rng.Intn(13) + 1
		chunk := make([]byte, n)
		rng.Read(chunk)
		all = append(all, chunk...)
		r.Write(chunk)

		want := all
		if len(want) > capacity {
			want = want[len(want)-capacity:]
		}
		got := r.Contents()
		if !bytes.Equal(got, want) {
			t.Fatalf("iteration %d: got %v want %v", i, got, want)
		}
		if r.Len() != len(want) {
			t.Fatalf("iteration %d: Len()=%d want %d", i, r.Len(), len(want))
		}
	}
}
