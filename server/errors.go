package server

import (
	"os"
	"syscall"

	"github.com/DrThorium/ServidorTFTP/tftp"

	"github.com/pkg/errors"
)

// ErrFileOpen indicates the requested file could not be opened or created.
var ErrFileOpen = errors.New("file open failed")

// ErrFileIO indicates a read or write failure in the middle of a transfer.
var ErrFileIO = errors.New("file I/O failed")

// ErrProtocolViolation indicates a packet that is not valid at this point of a transfer.
var ErrProtocolViolation = errors.New("protocol violation")

// ErrTimeout indicates no valid response arrived within the wait window.
var ErrTimeout = errors.New("timeout")

// ErrTransport indicates a failed send or receive.
var ErrTransport = errors.New("transport failed")

// ErrPeerError indicates the client aborted the transfer with an ERROR packet.
var ErrPeerError = errors.New("peer sent error")

// ErrServerBusy indicates the concurrent transfer limit was reached.
var ErrServerBusy = errors.New("server busy")

// ErrorCode maps a storage error onto the TFTP error code sent to the client.
func ErrorCode(err error) uint16 {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return tftp.ErrCodeFileNotFound
	case errors.Is(err, os.ErrPermission):
		return tftp.ErrCodeAccessViolation
	case errors.Is(err, syscall.ENOSPC):
		return tftp.ErrCodeDiskFull
	case errors.Is(err, os.ErrExist):
		return tftp.ErrCodeFileExists
	default:
		return tftp.ErrCodeNotDefined
	}
}

// errorMessage is the text sent alongside ErrorCode(err).
func errorMessage(err error, fallback string) string {
	if msg := tftp.ErrorMessage(ErrorCode(err)); msg != "" {
		return msg
	}
	return fallback
}
