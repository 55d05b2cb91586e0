package journal

// ============================================================================
// 鎖定事件日誌
// 職責：
// 1. 追加鎖定/解鎖/失敗/重新載入事件（append-only, 每行一筆 JSON）
// 2. 重啟後從最後一筆有效事件接續 seq
// 3. 重放並驗證 CRC32 checksum
// 4. 超過大小上限時旋轉到 <path>.1
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var log = slog.Default()

// Options tunes a Journal.
type Options struct {
	MaxSize      int64 // rotate once the file reaches this many bytes; 0 disables
	SyncOnAppend bool  // fsync after every append
}

// Journal is an append-only log of lock state changes.
//
// A nil *Journal is valid and discards everything, so callers never need to
// check whether journaling is enabled.
type Journal struct {
	mu     sync.Mutex
	file   *os.File // nil after a failed reopen; Append retries it
	open   func(path string) (*os.File, error)
	path   string
	seq    uint64
	size   int64
	opts   Options
	now    func() time.Time
	closed bool
}

// Open creates or opens the journal at path. An existing file is scanned to
// resume the sequence number; a torn final line from a crash is skipped.
func Open(path string, opts Options) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	if err := trimTornTail(path); err != nil {
		return nil, err
	}
	lastSeq, err := scanLastSeq(path)
	if err != nil {
		return nil, err
	}

	file, err := openAppend(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat journal: %w", err)
	}

	return &Journal{
		file: file,
		path: path,
		seq:  lastSeq,
		size: info.Size(),
		opts: opts,
		now:  time.Now,
		open: openAppend,
	}, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

// trimTornTail cuts an unterminated final line, left by a crash mid-write,
// so the next append starts on a line of its own.
func trimTornTail(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read journal: %w", err)
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	keep := bytes.LastIndexByte(data, '\n') + 1
	log.Warn("truncating torn journal record", "path", path, "bytes", len(data)-keep)
	if err := os.Truncate(path, int64(keep)); err != nil {
		return fmt.Errorf("failed to truncate journal: %w", err)
	}
	return nil
}

// scanLastSeq returns the highest seq among valid records of path and of
// its rotated predecessor.
func scanLastSeq(path string) (uint64, error) {
	var last uint64
	for _, p := range []string{path + ".1", path} {
		err := replayFile(p, func(e Event) error {
			if e.Seq > last {
				last = e.Seq
			}
			return nil
		}, true)
		if err != nil && !os.IsNotExist(err) {
			return 0, err
		}
	}
	return last, nil
}

// Append records one event and returns it with its seq and checksum set.
func (j *Journal) Append(t EventType, username, detail string) (Event, error) {
	if j == nil {
		return Event{}, nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return Event{}, ErrJournalClosed
	}
	if j.file == nil {
		f, err := j.open(j.path)
		if err != nil {
			return Event{}, fmt.Errorf("failed to reopen journal: %w", err)
		}
		j.file = f
		j.size = 0
		if info, err := f.Stat(); err == nil {
			j.size = info.Size()
		}
	}

	e := Event{
		Seq:       j.seq + 1,
		Type:      t,
		Username:  username,
		Detail:    detail,
		Timestamp: j.now().UnixMilli(),
	}
	e.Checksum = CalculateChecksum(e)

	line, err := json.Marshal(e)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode event: %w", err)
	}
	line = append(line, '\n')

	n, err := j.file.Write(line)
	j.size += int64(n)
	if err != nil {
		return Event{}, fmt.Errorf("failed to write event: %w", err)
	}
	if j.opts.SyncOnAppend {
		if err := j.file.Sync(); err != nil {
			return Event{}, fmt.Errorf("failed to sync journal: %w", err)
		}
	}
	j.seq = e.Seq

	if j.opts.MaxSize > 0 && j.size >= j.opts.MaxSize {
		if err := j.rotateLocked(); err != nil {
			// The event is already durable; only rotation failed.
			log.Warn("journal rotation failed", "path", j.path, "error", err)
		}
	}
	return e, nil
}

// rotateLocked moves the current file to <path>.1, replacing any previous
// rotation, and starts a new empty file. seq keeps counting.
func (j *Journal) rotateLocked() error {
	err := j.file.Close()
	j.file = nil
	if err != nil {
		return err
	}
	if err := os.Rename(j.path, j.path+".1"); err != nil {
		if f, openErr := j.open(j.path); openErr == nil {
			j.file = f
		}
		return fmt.Errorf("failed to rotate journal: %w", err)
	}
	j.size = 0
	f, err := j.open(j.path)
	if err != nil {
		return fmt.Errorf("failed to reopen journal: %w", err)
	}
	j.file = f
	log.Info("journal rotated", "path", j.path, "seq", j.seq)
	return nil
}

// Replay calls handler for every event in order, rotated file first. It stops
// at the first corrupted line or checksum mismatch.
func (j *Journal) Replay(handler EventHandler) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, p := range []string{j.path + ".1", j.path} {
		if err := replayFile(p, handler, false); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Recent returns up to limit events, newest first. A non-empty username keeps
// only that user's events. Corrupted records end the scan early; what was
// read before them is still returned.
func (j *Journal) Recent(limit int, username string) ([]Event, error) {
	if j == nil || limit <= 0 {
		return []Event{}, nil
	}

	ring := make([]Event, 0, limit)
	err := j.Replay(func(e Event) error {
		if username != "" && e.Username != username {
			return nil
		}
		if len(ring) == limit {
			ring = ring[1:]
		}
		ring = append(ring, e)
		return nil
	})

	out := make([]Event, len(ring))
	for i, e := range ring {
		out[len(ring)-1-i] = e
	}
	return out, err
}

// LastSeq returns the seq of the newest event.
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.path
}

// Close flushes and closes the file. Calling it again is a no-op.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	if j.file == nil {
		return nil
	}
	if err := j.file.Sync(); err != nil {
		j.file.Close()
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return j.file.Close()
}

// replayFile streams events of one file. With lenient set, a bad record ends
// the scan without an error.
func replayFile(path string, handler EventHandler, lenient bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var e Event
		if err := json.Unmarshal(raw, &e); err != nil {
			if lenient {
				return nil
			}
			return &CorruptionError{Line: line, Cause: err}
		}
		if !VerifyChecksum(e) {
			if lenient {
				return nil
			}
			return &ChecksumError{Seq: e.Seq, Expected: CalculateChecksum(e), Actual: e.Checksum}
		}
		if err := handler(e); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		if lenient {
			return nil
		}
		return &CorruptionError{Line: line + 1, Cause: err}
	}
	return nil
}
