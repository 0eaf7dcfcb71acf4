package filetransfer

import (
	"errors"
	"fmt"
)

var (
	// ErrTooLarge rejects a file above the configured maximum size.
	ErrTooLarge = errors.New("file too large")

	// ErrChecksumMismatch fails a transfer whose chunk does not match its checksum.
	ErrChecksumMismatch = errors.New("chunk checksum mismatch")

	// ErrIntegrity fails a transfer whose reassembled file is not the one announced.
	ErrIntegrity = errors.New("file integrity check failed")

	// ErrCancelled ends a transfer stopped by Cancel or by its context.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrUnknownTransfer is returned for messages naming no active transfer.
	ErrUnknownTransfer = errors.New("unknown transfer")

	// ErrRemote fails a transfer the other peer reported as unsuccessful.
	ErrRemote = errors.New("peer reported failure")
)

// TransferError ties a failure to one transfer.
type TransferError struct {
	ID       string
	FileName string
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s (%s): %v", e.ID, e.FileName, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }
