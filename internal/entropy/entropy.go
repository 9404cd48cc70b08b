// Package entropy provides the random source shared by every session in a
// process: socket ids, initial sequence numbers, SYN cookie secrets, salts
// and stream-encrypting keys all come from a Source handed down explicitly
// through configuration. Tests use a seeded Source to make runs repeatable.
package entropy

import (
	crand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand/v2"
	"sync"
)

// Source is a goroutine-safe random byte source.
type Source struct {
	mu sync.Mutex
	r  io.Reader
}

// New returns a Source backed by crypto/rand.
func New() *Source {
	return &Source{r: crand.Reader}
}

// NewSeeded returns a deterministic Source. It must never be used for
// production keys.
func NewSeeded(seed uint64) *Source {
	var s [32]byte
	binary.LittleEndian.PutUint64(s[:], seed)
	return &Source{r: rand.NewChaCha8(s)}
}

// FromReader wraps r. Reads are serialized.
func FromReader(r io.Reader) *Source {
	return &Source{r: r}
}

// Read fills p with random bytes.
func (s *Source) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return io.ReadFull(s.r, p)
}

// Bytes returns n random bytes.
func (s *Source) Bytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := s.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Uint32 returns a random 32-bit value.
func (s *Source) Uint32() (uint32, error) {
	var b [4]byte
	if _, err := s.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// SocketID returns a random non-zero socket id. Zero is reserved for
// handshake packets addressed to a listener.
func (s *Source) SocketID() (uint32, error) {
	for {
		v, err := s.Uint32()
		if err != nil {
			return 0, err
		}
		if v&0x3FFFFFFF != 0 {
			return v & 0x3FFFFFFF, nil
		}
	}
}

// InitialSeq returns a random 31-bit initial sequence number.
func (s *Source) InitialSeq() (uint32, error) {
	v, err := s.Uint32()
	return v & 0x7FFFFFFF, err
}
