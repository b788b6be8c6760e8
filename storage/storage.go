// Package storage provides the file backends the server reads from and writes to.
package storage

import (
	"io"

	"github.com/sirupsen/logrus"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// Store opens files named by RRQ and WRQ packets.
type Store interface {
	// Open opens name for reading.
	Open(name string) (io.ReadCloser, error)
	// Create opens name for writing, creating it or truncating an existing file.
	Create(name string) (io.WriteCloser, error)
}
