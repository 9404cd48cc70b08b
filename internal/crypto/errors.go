package crypto

import "errors"

// Sentinel errors for the encryption layer.
var (
	// ErrKeyExchangeFailed reports that key material from the peer could
	// not be authenticated. It is fatal to the connection.
	ErrKeyExchangeFailed = errors.New("srt: key exchange failed")

	// ErrNoKey reports a data packet sealed with a key that is not
	// installed. The packet is dropped and treated as lost.
	ErrNoKey = errors.New("crypto: no key installed for packet")

	// ErrAuth reports a data packet whose authentication tag did not
	// verify. The packet is dropped and treated as lost.
	ErrAuth = errors.New("crypto: packet authentication failed")

	// ErrBadKeyMaterial reports a key material message that does not
	// parse.
	ErrBadKeyMaterial = errors.New("crypto: malformed key material")

	// ErrIntegrity reports a key unwrap whose integrity check failed,
	// which means the passphrase differs.
	ErrIntegrity = errors.New("crypto: key unwrap integrity check failed")
)
