package opcda

import "github.com/rs/zerolog"

// DefaultEnumBatchSize is how many names a StringIterator requests from the
// underlying enumerator per refill when the caller does not configure one.
const DefaultEnumBatchSize = 256

// EnumString is the raw name enumerator handed back by a server browse.
// Next fills dst from the front and returns how many entries it produced;
// producing fewer than len(dst) means the enumeration is finished. Entries
// the server could not materialize come back as empty strings.
type EnumString interface {
	Next(dst []string) (int, error)
	Release()
}

// StringIterator walks an EnumString in batches, absorbing the two quirks
// real servers exhibit: phantom empty entries in a freshly started
// enumeration, and stale buffer content surviving a short refill. Both are
// handled here so call sites can treat every yielded name as real.
type StringIterator struct {
	src   EnumString
	buf   []string
	pos   int
	n     int
	done  bool
	err   error
	cur   string
	log   zerolog.Logger
}

// NewStringIterator wraps src. batchSize <= 0 selects
// DefaultEnumBatchSize.
func NewStringIterator(src EnumString, batchSize int, log zerolog.Logger) *StringIterator {
	if batchSize <= 0 {
		batchSize = DefaultEnumBatchSize
	}
	return &StringIterator{
		src: src,
		buf: make([]string, batchSize),
		log: log,
	}
}

// Next advances to the next real name. It returns false when the
// enumeration is exhausted or failed; check Err afterwards.
func (it *StringIterator) Next() bool {
	for {
		if it.err != nil {
			return false
		}
		if it.pos >= it.n {
			if it.done {
				return false
			}
			if !it.refill() {
				return false
			}
		}
		s := it.buf[it.pos]
		it.pos++
		if s == "" {
			// Placeholder entry the server never filled in. Skip it
			// rather than surfacing a phantom empty tag.
			it.log.Trace().Msg("enum: skipping empty placeholder entry")
			continue
		}
		it.cur = s
		return true
	}
}

func (it *StringIterator) refill() bool {
	// Clear before every fetch so a short refill cannot leak names from
	// the previous batch.
	for i := range it.buf {
		it.buf[i] = ""
	}
	n, err := it.src.Next(it.buf)
	if err != nil {
		it.err = err
		return false
	}
	if n < len(it.buf) {
		it.done = true
	}
	it.pos, it.n = 0, n
	return n > 0 || !it.done
}

// Value returns the name produced by the last successful Next.
func (it *StringIterator) Value() string { return it.cur }

// Err returns the first hard enumerator error, if any. A normal end of
// enumeration leaves it nil.
func (it *StringIterator) Err() error { return it.err }

// Release frees the underlying enumerator.
func (it *StringIterator) Release() { it.src.Release() }
