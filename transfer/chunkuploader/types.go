// Package chunkuploader copies a remote HTTP resource into an object store as a multipart upload.
// Byte ranges are fetched concurrently, handed to a fixed pool of part uploaders, and the upload is either
// completed or aborted; on failure the whole object is retried with a different chunk size.
package chunkuploader

import (
	"fmt"
)

// ByteRange is an inclusive range of bytes. When Open is set the range runs to the end of the resource
// and End is meaningless.
type ByteRange struct {
	Start uint64
	End   uint64
	Open  bool
}

// Header returns the value of the Range request header for r.
func (r ByteRange) Header() string {
	if r.Open {
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// Width returns the number of bytes in a closed range, or 0 for an open one.
func (r ByteRange) Width() uint64 {
	if r.Open {
		return 0
	}
	return r.End - r.Start + 1
}

func (r ByteRange) String() string {
	if r.Open {
		return fmt.Sprintf("[%d, end)", r.Start)
	}
	return fmt.Sprintf("[%d, %d]", r.Start, r.End)
}

// UploadedPart is one finished part of a multipart upload. PartNumber is 1-based and equals the position of
// its ByteRange in the plan.
type UploadedPart struct {
	PartNumber int
	ETag       string
}

// ChunkResult is the outcome of transferring one range.
type ChunkResult struct {
	PartNumber int
	ETag       string
	Size       int
	Err        error
}

// State of a multipart upload session.
type State int

const (
	// StatePending means no multipart upload was created yet.
	StatePending State = iota
	// StateInProgress means an upload id exists and parts are being transferred.
	StateInProgress
	// StateCompleted means the object is fully present in the store.
	StateCompleted
	// StateAborted means the upload id was aborted and the object is absent.
	StateAborted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInProgress:
		return "in-progress"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Attempt records one pass of a session at a given chunk size.
type Attempt struct {
	ChunkSize uint64
	UploadID  string
	Parts     int
	State     State
	Err       error
}

// ChunkTransferFault is returned when one range could not be fetched or uploaded.
type ChunkTransferFault struct {
	PartNumber int
	Range      ByteRange
	Err        error
}

func (f *ChunkTransferFault) Error() string {
	return fmt.Sprintf("chunk %d %s: %s", f.PartNumber, f.Range, f.Err)
}

func (f *ChunkTransferFault) Unwrap() error {
	return f.Err
}

// TransferFailed is returned when every entry of the chunk schedule failed. The destination key is absent.
type TransferFailed struct {
	Key      string
	Attempts []Attempt
	Err      error
}

func (f *TransferFailed) Error() string {
	return fmt.Sprintf("transfer of %s failed after %d attempt(s): %s", f.Key, len(f.Attempts), f.Err)
}

func (f *TransferFailed) Unwrap() error {
	return f.Err
}
