// Package crypto implements the optional payload encryption layer: key
// material exchange (KMREQ/KMRSP), passphrase-derived key wrapping, AES-GCM
// payload protection and even/odd key rotation.
//
// Each direction of a connection is protected by the stream-encrypting
// keys (SEKs) its sender generated. An [Encryptor] owns the sending side's
// keys and decides when to rotate them; a [Decryptor] installs whatever
// keys the peer announces. A packet whose key is not installed, or whose
// tag fails to verify, is reported with [ErrNoKey] or [ErrAuth] so the
// caller can treat it as lost.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"github.com/zsiec/srtkit/internal/entropy"
	"github.com/zsiec/srtkit/packet"
)

// Overhead is the number of bytes Seal adds to a payload.
const Overhead = 16

type sek struct {
	raw  []byte
	aead cipher.AEAD
}

func newSEK(raw []byte) (*sek, error) {
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &sek{raw: raw, aead: aead}, nil
}

// slot maps a single-key KeySpec to its index: even 0, odd 1.
func slot(k packet.KeySpec) int {
	if k == packet.KeyOdd {
		return 1
	}
	return 0
}

func specOf(i int) packet.KeySpec {
	if i == 1 {
		return packet.KeyOdd
	}
	return packet.KeyEven
}

// Direction names which side of a connection sealed a packet. The
// listener answers with the caller's keys and salt, so the direction is
// mixed into the nonce to keep the two halves from ever sealing under the
// same key and nonce.
type Direction uint8

// Directions.
const (
	FromCaller Direction = iota
	FromListener
)

// nonce builds the 12-byte GCM nonce for a sequence number.
func nonce(salt []byte, dir Direction, n uint32) []byte {
	iv := make([]byte, 12)
	copy(iv, salt[:12])
	iv[0] ^= byte(dir)
	binary.BigEndian.PutUint32(iv[8:], binary.BigEndian.Uint32(iv[8:])^n)
	return iv
}

// keyset is the even/odd pair shared by Encryptor and Decryptor.
type keyset struct {
	passphrase string
	keyLen     int
	salt       []byte
	kek        []byte
	keys       [2]*sek
}

func (k *keyset) message() ([]byte, error) {
	var spec packet.KeySpec
	var plain []byte
	for i, s := range k.keys {
		if s == nil {
			continue
		}
		spec |= specOf(i)
		plain = append(plain, s.raw...)
	}
	wrap, err := Wrap(k.kek, plain)
	if err != nil {
		return nil, err
	}
	m := &Message{
		Keys:   spec,
		Cipher: CipherGCM,
		Auth:   AuthGCM,
		Salt:   k.salt,
		KeyLen: k.keyLen,
		Wrap:   wrap,
	}
	return m.MarshalBinary()
}

// Encryptor seals outgoing data packets and rotates the sending keys.
// It is not safe for concurrent use.
type Encryptor struct {
	keyset
	dir         Direction
	src         *entropy.Source
	active      int
	refresh     int
	preAnnounce int

	count     int
	announced bool
	retiring  bool
}

// EncryptorConfig configures key rotation. A zero RefreshPackets disables
// rotation.
type EncryptorConfig struct {
	Passphrase     string
	KeyLen         int
	RefreshPackets int
	PreAnnounce    int
	Entropy        *entropy.Source
}

// NewEncryptor generates a salt and an even SEK.
func NewEncryptor(cfg EncryptorConfig) (*Encryptor, error) {
	if err := ValidatePassphrase(cfg.Passphrase, cfg.KeyLen); err != nil {
		return nil, err
	}
	if !ValidKeyLen(cfg.KeyLen) {
		return nil, fmt.Errorf("crypto: key length %d must be 16, 24 or 32", cfg.KeyLen)
	}
	if cfg.RefreshPackets > 0 && cfg.RefreshPackets <= 2*cfg.PreAnnounce {
		return nil, fmt.Errorf("crypto: refresh %d must exceed twice the pre-announce %d", cfg.RefreshPackets, cfg.PreAnnounce)
	}
	src := cfg.Entropy
	if src == nil {
		src = entropy.New()
	}
	salt, err := src.Bytes(SaltLen)
	if err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	e := &Encryptor{
		keyset: keyset{
			passphrase: cfg.Passphrase,
			keyLen:     cfg.KeyLen,
			salt:       salt,
			kek:        DeriveKEK(cfg.Passphrase, salt, cfg.KeyLen),
		},
		src:         src,
		refresh:     cfg.RefreshPackets,
		preAnnounce: cfg.PreAnnounce,
	}
	if err := e.generate(0); err != nil {
		return nil, err
	}
	return e, nil
}

// NewEncryptorFrom returns an Encryptor that sends with the keys d has
// installed. A listener uses this so both directions start with the
// caller's keys; its packets are sealed as FromListener.
func NewEncryptorFrom(d *Decryptor, cfg EncryptorConfig) (*Encryptor, error) {
	if d.keys[0] == nil && d.keys[1] == nil {
		return nil, ErrNoKey
	}
	src := cfg.Entropy
	if src == nil {
		src = entropy.New()
	}
	e := &Encryptor{
		keyset:      d.keyset,
		dir:         FromListener,
		src:         src,
		refresh:     cfg.RefreshPackets,
		preAnnounce: cfg.PreAnnounce,
	}
	e.salt = bytes.Clone(d.salt)
	e.kek = bytes.Clone(d.kek)
	if e.keys[0] == nil {
		e.active = 1
	}
	return e, nil
}

func (e *Encryptor) generate(i int) error {
	raw, err := e.src.Bytes(e.keyLen)
	if err != nil {
		return fmt.Errorf("crypto: generate key: %w", err)
	}
	s, err := newSEK(raw)
	if err != nil {
		return err
	}
	e.keys[i] = s
	return nil
}

// KeyLen returns the SEK length in bytes.
func (e *Encryptor) KeyLen() int { return e.keyLen }

// Active returns the key specifier new packets are sealed with.
func (e *Encryptor) Active() packet.KeySpec { return specOf(e.active) }

// Message returns the key material message announcing every live key.
func (e *Encryptor) Message() ([]byte, error) {
	return e.message()
}

// Advance counts one newly sent packet and drives rotation. When the
// rotation schedule requires announcing a key change it returns the key
// material message the peer must receive; otherwise it returns nil.
//
// The schedule is: pre-announce the next key PreAnnounce packets before
// the switch, switch after RefreshPackets, and decommission the previous
// key PreAnnounce packets after the switch.
func (e *Encryptor) Advance() ([]byte, error) {
	if e.refresh <= 0 {
		return nil, nil
	}
	e.count++
	switch {
	case e.retiring && e.count >= e.preAnnounce:
		e.keys[e.active^1] = nil
		e.retiring = false
		return e.message()
	case !e.announced && !e.retiring && e.count >= e.refresh-e.preAnnounce:
		if err := e.generate(e.active ^ 1); err != nil {
			return nil, err
		}
		e.announced = true
		return e.message()
	case e.announced && e.count >= e.refresh:
		e.active ^= 1
		e.count = 0
		e.announced = false
		e.retiring = true
	}
	return nil, nil
}

// Seal encrypts p's payload in place with the active key and sets its key
// specifier. The retransmission flag does not take part in authentication,
// so a packet may be sealed again when it is retransmitted.
func (e *Encryptor) Seal(p *packet.DataPacket) {
	k := e.keys[e.active]
	p.Key = specOf(e.active)
	iv := nonce(e.salt, e.dir, uint32(p.Seq))
	p.Payload = k.aead.Seal(p.Payload[:0:0], iv, p.Payload, packet.AuthData(p))
}

// Decryptor opens incoming data packets with the keys the peer announced.
// It is not safe for concurrent use.
type Decryptor struct {
	keyset
	from Direction
	last []byte
}

// NewDecryptor returns a Decryptor with no keys installed for packets
// sealed by the side named by from. keyLen may be zero to accept whatever
// length the peer announces.
func NewDecryptor(passphrase string, keyLen int, from Direction) (*Decryptor, error) {
	if err := ValidatePassphrase(passphrase, keyLen); err != nil {
		return nil, err
	}
	return &Decryptor{keyset: keyset{passphrase: passphrase, keyLen: keyLen}, from: from}, nil
}

// Install unwraps a key material message and replaces the installed keys
// with the ones it carries. A key absent from the message is removed, which
// ends its validity. Failures wrap ErrKeyExchangeFailed.
func (d *Decryptor) Install(km []byte) error {
	if bytes.Equal(km, d.last) {
		return nil
	}
	m, err := ParseMessage(km)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyExchangeFailed, err)
	}
	if m.Cipher != CipherGCM {
		return fmt.Errorf("%w: unsupported cipher %d", ErrKeyExchangeFailed, m.Cipher)
	}
	if d.keyLen != 0 && m.KeyLen != d.keyLen {
		return fmt.Errorf("%w: key length %d, want %d", ErrKeyExchangeFailed, m.KeyLen, d.keyLen)
	}

	kek := d.kek
	if !bytes.Equal(m.Salt, d.salt) || len(kek) != m.KeyLen {
		kek = DeriveKEK(d.passphrase, m.Salt, m.KeyLen)
	}
	plain, err := Unwrap(kek, m.Wrap)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyExchangeFailed, err)
	}

	var keys [2]*sek
	off := 0
	for i := 0; i < 2; i++ {
		if m.Keys&specOf(i) == 0 {
			continue
		}
		raw := plain[off : off+m.KeyLen]
		off += m.KeyLen
		if old := d.keys[i]; old != nil && bytes.Equal(old.raw, raw) {
			keys[i] = old
			continue
		}
		s, err := newSEK(bytes.Clone(raw))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrKeyExchangeFailed, err)
		}
		keys[i] = s
	}

	d.keyLen = m.KeyLen
	d.salt = m.Salt
	d.kek = kek
	d.keys = keys
	d.last = bytes.Clone(km)
	return nil
}

// Installed reports which keys are currently valid.
func (d *Decryptor) Installed() packet.KeySpec {
	var spec packet.KeySpec
	for i, s := range d.keys {
		if s != nil {
			spec |= specOf(i)
		}
	}
	return spec
}

// KeyLen returns the negotiated SEK length, or 0 before any key is
// installed.
func (d *Decryptor) KeyLen() int { return d.keyLen }

// Open authenticates and decrypts p's payload in place.
func (d *Decryptor) Open(p *packet.DataPacket) error {
	if p.Key != packet.KeyEven && p.Key != packet.KeyOdd {
		return ErrNoKey
	}
	k := d.keys[slot(p.Key)]
	if k == nil {
		return ErrNoKey
	}
	iv := nonce(d.salt, d.from, uint32(p.Seq))
	plain, err := k.aead.Open(p.Payload[:0:0], iv, p.Payload, packet.AuthData(p))
	if err != nil {
		return ErrAuth
	}
	p.Payload = plain
	return nil
}
