package arq

import "errors"

// Sentinel errors for the reliability engine.
var (
	// ErrLinkFailure reports that a packet exhausted its retransmission
	// budget. It is fatal to the connection.
	ErrLinkFailure = errors.New("srt: link failure")

	// ErrBufferFull reports that a message does not fit in the send
	// buffer right now.
	ErrBufferFull = errors.New("arq: send buffer full")

	// ErrMessageTooLarge reports a message that could never fit in the
	// send buffer.
	ErrMessageTooLarge = errors.New("arq: message larger than send buffer")

	// ErrEmptyMessage reports an attempt to send zero bytes.
	ErrEmptyMessage = errors.New("arq: empty message")
)
