package journal

// ============================================================================
// Journal Type Definitions
// Responsibility: event records, checksums and errors of the lock journal
// ============================================================================

import (
	"errors"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
)

// EventType defines journal event types
type EventType string

const (
	EventLocked       EventType = "LOCKED"         // user moved to Locked
	EventUnlocked     EventType = "UNLOCKED"       // user moved to Unlocked
	EventFailed       EventType = "ENFORCE_FAILED" // SetLocked returned an error
	EventConfigLoaded EventType = "CONFIG_LOADED"  // a new config version was loaded
)

// Event is one journal record, stored as a single JSON line.
type Event struct {
	Seq       uint64    `json:"seq"`                // monotonically increasing, survives rotation
	Type      EventType `json:"type"`               // event type
	Username  string    `json:"username,omitempty"` // empty for config events
	Detail    string    `json:"detail,omitempty"`   // previous state, error text, user count
	Timestamp int64     `json:"timestamp"`          // Unix milliseconds
	Checksum  uint32    `json:"checksum"`           // CRC32 of all other fields
}

// EventHandler processes one event during Replay.
type EventHandler func(event Event) error

// CalculateChecksum returns the CRC32-IEEE of every field except Checksum.
func CalculateChecksum(e Event) uint32 {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(e.Seq, 10))
	b.WriteByte('|')
	b.WriteString(string(e.Type))
	b.WriteByte('|')
	b.WriteString(e.Username)
	b.WriteByte('|')
	b.WriteString(e.Detail)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(e.Timestamp, 10))
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum reports whether the stored checksum matches the content.
func VerifyChecksum(e Event) bool {
	return e.Checksum == CalculateChecksum(e)
}

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrCorruptedJournal indicates a line that is not a valid event
	ErrCorruptedJournal = errors.New("journal: file is corrupted")

	// ErrChecksumMismatch indicates a record whose content was altered
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")

	// ErrJournalClosed indicates use after Close
	ErrJournalClosed = errors.New("journal: already closed")
)

// ChecksumError reports which record failed verification.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)",
		e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error {
	return ErrChecksumMismatch
}

// CorruptionError reports an unparseable line.
type CorruptionError struct {
	Line  int   // 1-based line number
	Cause error // underlying decode error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal: corrupted record at line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruptedJournal
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}
