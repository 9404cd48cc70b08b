package conn

import (
	"errors"
	"fmt"

	"github.com/zsiec/srtkit/internal/arq"
)

var (
	// ErrWouldBlock is returned by Send when the send buffer is full and by
	// Receive when no complete message is deliverable yet.
	ErrWouldBlock = errors.New("srt: operation would block")
	// ErrClosed is returned by every operation on a closed connection once
	// its terminal error, if any, has been reported.
	ErrClosed = errors.New("srt: connection closed")
	// ErrPeerIdle reports that nothing arrived from the peer within the
	// idle timeout. It wraps arq.ErrLinkFailure.
	ErrPeerIdle = fmt.Errorf("srt: peer idle timeout: %w", arq.ErrLinkFailure)
)
