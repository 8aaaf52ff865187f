package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind classifies transport failures. The kind decides whether a failure
// is recovered locally (NACK and continue) or ends the connection.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindProtocol
	KindChecksum
	KindSequence
	KindTimeout
	KindTransport
	KindMemory
	KindProcessing
)

var errorKindNames = map[ErrorKind]string{
	KindUnknown:    "unknown",
	KindProtocol:   "protocol",
	KindChecksum:   "checksum",
	KindSequence:   "sequence",
	KindTimeout:    "timeout",
	KindTransport:  "transport",
	KindMemory:     "memory",
	KindProcessing: "processing",
}

// String returns the lowercase name of the kind.
func (k ErrorKind) String() string {
	if s, ok := errorKindNames[k]; ok {
		return s
	}
	return "unknown"
}

var (
	ErrBadVersion       = errors.New("protocol: unsupported version")
	ErrBadMagic         = errors.New("protocol: invalid handshake magic")
	ErrBadPacketType    = errors.New("protocol: unexpected packet type")
	ErrBadLength        = errors.New("protocol: invalid data length")
	ErrChunkTooLarge    = errors.New("protocol: chunk exceeds maximum size")
	ErrTotalTooLarge    = errors.New("protocol: payload exceeds maximum size")
	ErrTooManyPackets   = errors.New("protocol: too many packets in transfer")
	ErrChecksumMismatch = errors.New("protocol: checksum mismatch")
	ErrSequenceMismatch = errors.New("protocol: sequence mismatch")
	ErrShortHeader      = errors.New("protocol: short header")
	ErrPeerClosed       = errors.New("transport: peer closed connection")
	ErrBrokenPipe       = errors.New("transport: broken pipe")
	ErrTimeout          = errors.New("transport: i/o timeout")
	ErrRetriesExhausted = errors.New("transport: send retries exhausted")
)

// Error is a classified transport error.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error during %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind and the operation that failed.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain. Unclassified
// errors map to the kind implied by well-known sentinels, else KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrChecksumMismatch):
		return KindChecksum
	case errors.Is(err, ErrSequenceMismatch):
		return KindSequence
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrPeerClosed), errors.Is(err, ErrBrokenPipe):
		return KindTransport
	case errors.Is(err, ErrBadVersion), errors.Is(err, ErrBadMagic),
		errors.Is(err, ErrBadPacketType), errors.Is(err, ErrChunkTooLarge),
		errors.Is(err, ErrTotalTooLarge), errors.Is(err, ErrBadLength):
		return KindProtocol
	}
	return KindUnknown
}

// Recoverable reports whether a receive-side failure is answered with NACK
// and retried instead of aborting the connection.
func Recoverable(err error) bool {
	k := KindOf(err)
	return k == KindChecksum || k == KindSequence
}
