package opcda

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEnum hands out scripted batches, mimicking the short-final-batch end
// signal of a real enumerator.
type fakeEnum struct {
	names    []string
	pos      int
	failAt   int // produce an error once pos reaches failAt (when > 0)
	released bool
}

func (e *fakeEnum) Next(dst []string) (int, error) {
	if e.failAt > 0 && e.pos >= e.failAt {
		return 0, &StatusError{Op: "string enumerator", Code: 0x80004003}
	}
	n := 0
	for n < len(dst) && e.pos < len(e.names) {
		dst[n] = e.names[e.pos]
		n++
		e.pos++
	}
	return n, nil
}

func (e *fakeEnum) Release() { e.released = true }

func drain(t *testing.T, it *StringIterator) []string {
	t.Helper()
	var out []string
	for it.Next() {
		out = append(out, it.Value())
	}
	return out
}

func TestStringIteratorBatches(t *testing.T) {
	src := &fakeEnum{names: []string{"a", "b", "c", "d", "e"}}
	it := NewStringIterator(src, 2, zerolog.Nop())

	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, drain(t, it))
	assert.NoError(t, it.Err())
}

func TestStringIteratorSkipsPlaceholders(t *testing.T) {
	// Cold server-side caches yield empty placeholder entries mixed into
	// the real names. They must vanish, not surface as phantom tags.
	src := &fakeEnum{names: []string{"", "", "Tank1", "", "Tank2"}}
	it := NewStringIterator(src, 3, zerolog.Nop())

	assert.Equal(t, []string{"Tank1", "Tank2"}, drain(t, it))
	assert.NoError(t, it.Err())
}

func TestStringIteratorClearsBufferBetweenBatches(t *testing.T) {
	// A short second batch must not resurface names from the first one.
	src := &fakeEnum{names: []string{"x", "y", "z", "w", "q"}}
	it := NewStringIterator(src, 4, zerolog.Nop())

	got := drain(t, it)
	assert.Equal(t, []string{"x", "y", "z", "w", "q"}, got)
}

func TestStringIteratorEmpty(t *testing.T) {
	it := NewStringIterator(&fakeEnum{}, 8, zerolog.Nop())
	assert.False(t, it.Next())
	assert.NoError(t, it.Err())
}

func TestStringIteratorError(t *testing.T) {
	src := &fakeEnum{names: []string{"a", "b", "c", "d"}, failAt: 2}
	it := NewStringIterator(src, 2, zerolog.Nop())

	assert.Equal(t, []string{"a", "b"}, drain(t, it))
	require.Error(t, it.Err())
	code, ok := StatusCode(it.Err())
	require.True(t, ok)
	assert.Equal(t, uint32(0x80004003), code)

	// Exhausted-with-error iterators stay stopped.
	assert.False(t, it.Next())
}

func TestStringIteratorDefaultBatchSize(t *testing.T) {
	it := NewStringIterator(&fakeEnum{}, 0, zerolog.Nop())
	assert.Len(t, it.buf, DefaultEnumBatchSize)
}

func TestStringIteratorRelease(t *testing.T) {
	src := &fakeEnum{names: []string{"a"}}
	it := NewStringIterator(src, 2, zerolog.Nop())
	it.Release()
	assert.True(t, src.released)
}
