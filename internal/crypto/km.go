package crypto

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/zsiec/srtkit/packet"
)

// Key material message constants (HaiCrypt layout).
const (
	kmVersion    = 1
	kmPacketType = 2
	kmSign       = 0x2029
	kmSE         = 2 // SRT stream encapsulation

	// CipherGCM and AuthGCM identify AES-GCM payload protection.
	CipherGCM = 4
	AuthGCM   = 1

	// SaltLen is the salt length carried in every key material message.
	SaltLen = 16

	kmHeaderLen = 16

	// KEKIterations is the PBKDF2 iteration count used to derive the key
	// encrypting key from the passphrase.
	KEKIterations = 2048
)

// KM state codes sent in a KMRSP in place of key material when a KMREQ
// cannot be honoured.
const (
	KMStateNoSecret  uint32 = 3
	KMStateBadSecret uint32 = 4
)

// KMStatus encodes a KM state code as a KMRSP payload.
func KMStatus(code uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, code)
}

// Passphrase length bounds accepted by libsrt.
const (
	MinPassphraseLen = 10
	MaxPassphraseLen = 79
)

// ValidKeyLen reports whether n is an AES key length usable for SEKs.
func ValidKeyLen(n int) bool {
	return n == 16 || n == 24 || n == 32
}

// ValidatePassphrase checks passphrase and key length bounds.
func ValidatePassphrase(passphrase string, keyLen int) error {
	if n := len(passphrase); n < MinPassphraseLen || n > MaxPassphraseLen {
		return fmt.Errorf("crypto: passphrase length %d outside [%d, %d]", n, MinPassphraseLen, MaxPassphraseLen)
	}
	if keyLen != 0 && !ValidKeyLen(keyLen) {
		return fmt.Errorf("crypto: key length %d must be 16, 24 or 32", keyLen)
	}
	return nil
}

// DeriveKEK derives the key encrypting key from a passphrase. The PBKDF2
// salt is the last eight bytes of the key material salt.
func DeriveKEK(passphrase string, salt []byte, keyLen int) []byte {
	s := salt
	if len(s) > 8 {
		s = s[len(s)-8:]
	}
	return pbkdf2.Key([]byte(passphrase), s, KEKIterations, keyLen, sha1.New)
}

// Message is a decoded key material message (the body of KMREQ/KMRSP).
type Message struct {
	Keys   packet.KeySpec // which SEKs the wrap carries
	Cipher uint8
	Auth   uint8
	Salt   []byte
	KeyLen int
	Wrap   []byte // RFC 3394 wrap of the even then odd SEK
}

// MarshalBinary encodes m.
func (m *Message) MarshalBinary() ([]byte, error) {
	if len(m.Salt) != SaltLen || !ValidKeyLen(m.KeyLen) {
		return nil, ErrBadKeyMaterial
	}
	b := make([]byte, kmHeaderLen, kmHeaderLen+len(m.Salt)+len(m.Wrap))
	b[0] = kmVersion<<4 | kmPacketType
	binary.BigEndian.PutUint16(b[1:3], kmSign)
	b[3] = byte(m.Keys & 0b11)
	// b[4:8] key encrypting key index, always zero
	b[8] = m.Cipher
	b[9] = m.Auth
	b[10] = kmSE
	b[14] = byte(len(m.Salt) / 4)
	b[15] = byte(m.KeyLen / 4)
	b = append(b, m.Salt...)
	return append(b, m.Wrap...), nil
}

// ParseMessage decodes a key material message.
func ParseMessage(b []byte) (*Message, error) {
	if len(b) < kmHeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadKeyMaterial, len(b))
	}
	if b[0]>>4 != kmVersion || b[0]&0x0F != kmPacketType || binary.BigEndian.Uint16(b[1:3]) != kmSign {
		return nil, fmt.Errorf("%w: bad signature", ErrBadKeyMaterial)
	}
	m := &Message{
		Keys:   packet.KeySpec(b[3] & 0b11),
		Cipher: b[8],
		Auth:   b[9],
		KeyLen: int(b[15]) * 4,
	}
	saltLen := int(b[14]) * 4
	if m.Keys == packet.KeyNone || saltLen != SaltLen || !ValidKeyLen(m.KeyLen) {
		return nil, fmt.Errorf("%w: keys=%d salt=%d keylen=%d", ErrBadKeyMaterial, m.Keys, saltLen, m.KeyLen)
	}
	nkeys := 1
	if m.Keys == packet.KeyBoth {
		nkeys = 2
	}
	want := kmHeaderLen + saltLen + 8 + nkeys*m.KeyLen
	if len(b) < want {
		return nil, fmt.Errorf("%w: truncated wrap", ErrBadKeyMaterial)
	}
	m.Salt = append([]byte(nil), b[kmHeaderLen:kmHeaderLen+saltLen]...)
	m.Wrap = append([]byte(nil), b[kmHeaderLen+saltLen:want]...)
	return m, nil
}
