package tftp

import "github.com/pkg/errors"

// ErrMalformedPacket indicates a datagram that is too short or is missing a terminator.
var ErrMalformedPacket = errors.New("malformed packet")

// ErrUnknownOpcode indicates an opcode outside 1..5.
var ErrUnknownOpcode = errors.New("unknown opcode")

// ErrPayloadTooLarge indicates a DATA packet carrying more than BlockSize bytes.
var ErrPayloadTooLarge = errors.New("payload too large")

// IsMalformed reports whether err came from a datagram ParsePacket rejected.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedPacket) ||
		errors.Is(err, ErrUnknownOpcode) ||
		errors.Is(err, ErrPayloadTooLarge)
}

// err codes
const (
	ErrCodeNotDefined uint16 = iota
	ErrCodeFileNotFound
	ErrCodeAccessViolation
	ErrCodeDiskFull
	ErrCodeIllegalOp
	ErrCodeUnknownTID
	ErrCodeFileExists
	ErrCodeNoSuchUser
)

var errorMessages = map[uint16]string{
	ErrCodeFileNotFound:    "File not found",
	ErrCodeAccessViolation: "Access violation",
	ErrCodeDiskFull:        "Disk full or allocation exceeded",
	ErrCodeIllegalOp:       "Illegal TFTP operation",
	ErrCodeUnknownTID:      "Unknown transfer ID",
	ErrCodeFileExists:      "File already exists",
	ErrCodeNoSuchUser:      "No such user",
}

// ErrorMessage returns the standard text for code, or "" for ErrCodeNotDefined
// and unknown codes, whose message is up to the sender.
func ErrorMessage(code uint16) string {
	return errorMessages[code]
}
