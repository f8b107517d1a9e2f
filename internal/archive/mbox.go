// Package archive implements the local message store: an mbox file that
// supports appending, removing by key and iterating its records.
package archive

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/emersion/go-mbox"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

var (
	// ErrLocked is returned when another running process holds the archive
	// lock. A lock left by a process that no longer exists is taken over;
	// one whose owner cannot be determined must be deleted by hand.
	ErrLocked = errors.New("archive is locked")

	// ErrNoKey is returned when removing a key the archive does not hold.
	ErrNoKey = errors.New("no such record")

	// ErrClosed is returned for operations on a closed archive.
	ErrClosed = errors.New("archive is closed")
)

type record struct {
	key     int
	raw     []byte
	removed bool
}

// Mbox is an mbox file loaded into memory. Keys are assigned by the store
// in file order and stay stable until the archive is closed.
type Mbox struct {
	path     string
	lockPath string
	records  []*record
	byKey    map[int]*record
	nextKey  int

	// persisted counts the leading records already on disk; everything
	// after it is pending append.
	persisted int
	rewrite   bool
	closed    bool
}

// OpenMbox locks and loads the mbox file at path, creating parent
// directories as needed. A missing file is an empty archive.
func OpenMbox(path string) (*Mbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}

	lockPath := path + ".lock"
	if err := acquireLock(lockPath); err != nil {
		return nil, err
	}

	m := &Mbox{
		path:     path,
		lockPath: lockPath,
		byKey:    make(map[int]*record),
	}
	if err := m.load(); err != nil {
		_ = os.Remove(lockPath)
		return nil, err
	}
	return m, nil
}

func acquireLock(lockPath string) error {
	for attempt := 0; ; attempt++ {
		lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(lock, "%d\n", os.Getpid())
			return lock.Close()
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("creating lock %s: %w", lockPath, err)
		}
		if attempt > 0 || !staleLock(lockPath) {
			return fmt.Errorf("%w: %s", ErrLocked, lockPath)
		}
		if err := os.Remove(lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing stale lock %s: %w", lockPath, err)
		}
	}
}

// staleLock reports whether the lock names a process that has exited.
// Unreadable lock contents, or an owner that cannot be signalled, count as
// live.
func staleLock(lockPath string) bool {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH)
}

func (m *Mbox) load() error {
	f, err := os.Open(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("opening archive %s: %w", m.path, err)
	}
	defer f.Close()

	r := mbox.NewReader(bufio.NewReader(f))
	for {
		msg, err := r.NextMessage()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading archive %s: %w", m.path, err)
		}
		raw, err := io.ReadAll(msg)
		if err != nil {
			return fmt.Errorf("reading archive %s: %w", m.path, err)
		}
		m.append(normalize(raw))
	}
	m.persisted = len(m.records)
	return nil
}

func (m *Mbox) append(raw []byte) int {
	rec := &record{key: m.nextKey, raw: raw}
	m.nextKey++
	m.records = append(m.records, rec)
	m.byKey[rec.key] = rec
	return rec.key
}

// Path returns the mbox file location.
func (m *Mbox) Path() string {
	return m.path
}

// Len returns the number of live records.
func (m *Mbox) Len() int {
	return len(m.byKey)
}

// Add appends a message and returns its key. Records are stored with LF
// line endings and exactly one trailing newline.
func (m *Mbox) Add(raw []byte) (int, error) {
	if m.closed {
		return 0, ErrClosed
	}
	return m.append(normalize(raw)), nil
}

// normalize converts CRLF to LF and reduces trailing newlines to one, so
// a record read back from the file equals the record that was written.
func normalize(raw []byte) []byte {
	out := bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
	out = bytes.TrimRight(out, "\n")
	return append(out, '\n')
}

// Remove deletes the record with the given key.
func (m *Mbox) Remove(key int) error {
	if m.closed {
		return ErrClosed
	}
	rec, ok := m.byKey[key]
	if !ok {
		return fmt.Errorf("removing key %d: %w", key, ErrNoKey)
	}
	rec.removed = true
	delete(m.byKey, key)
	m.rewrite = true
	return nil
}

// Each calls fn for every live record in file order, stopping at the first
// error.
func (m *Mbox) Each(fn func(key int, raw []byte) error) error {
	if m.closed {
		return ErrClosed
	}
	for _, rec := range m.records {
		if rec.removed {
			continue
		}
		if err := fn(rec.key, rec.raw); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes pending changes. Pure appends are appended to the file;
// any removal rewrites it atomically.
func (m *Mbox) Flush() error {
	if m.closed {
		return ErrClosed
	}
	switch {
	case m.rewrite:
		if err := m.rewriteFile(); err != nil {
			return err
		}
	case m.persisted < len(m.records):
		if err := m.appendFile(); err != nil {
			return err
		}
	default:
		return nil
	}

	live := m.records[:0]
	for _, rec := range m.records {
		if !rec.removed {
			live = append(live, rec)
		}
	}
	m.records = live
	m.persisted = len(m.records)
	m.rewrite = false
	return nil
}

func (m *Mbox) appendFile() error {
	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening archive %s for append: %w", m.path, err)
	}

	if err := writeRecords(f, m.records[m.persisted:]); err != nil {
		f.Close()
		return fmt.Errorf("appending to archive %s: %w", m.path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing archive %s: %w", m.path, err)
	}
	return f.Close()
}

func (m *Mbox) rewriteFile() error {
	dir := filepath.Dir(m.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(m.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp archive: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if err := writeRecords(tmp, m.records); err != nil {
		tmp.Close()
		return fmt.Errorf("rewriting archive %s: %w", m.path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing archive %s: %w", m.path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		return fmt.Errorf("replacing archive %s: %w", m.path, err)
	}
	committed = true
	return nil
}

// Close flushes pending changes and releases the lock. The lock is
// released even when the flush fails.
func (m *Mbox) Close() error {
	if m.closed {
		return nil
	}
	flushErr := m.Flush()
	m.closed = true
	lockErr := os.Remove(m.lockPath)
	if flushErr != nil {
		return flushErr
	}
	if lockErr != nil && !errors.Is(lockErr, os.ErrNotExist) {
		return fmt.Errorf("releasing lock %s: %w", m.lockPath, lockErr)
	}
	return nil
}

func writeRecords(w io.Writer, records []*record) error {
	bw := bufio.NewWriter(w)
	mw := mbox.NewWriter(bw)
	for _, rec := range records {
		if rec.removed {
			continue
		}
		from, date := envelopeSender(rec.raw)
		msgWriter, err := mw.CreateMessage(from, date)
		if err != nil {
			return err
		}
		if _, err := msgWriter.Write(rec.raw); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}
	return bw.Flush()
}

// envelopeSender picks the address and time for the mbox separator line.
func envelopeSender(raw []byte) (string, time.Time) {
	from := "MAILER-DAEMON"
	date := time.Now()

	header, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return from, date
	}
	h := mail.Header{Header: message.Header{Header: header}}

	if addrs, err := h.AddressList("From"); err == nil && len(addrs) > 0 && addrs[0].Address != "" {
		from = addrs[0].Address
	}
	if t, err := h.Date(); err == nil && !t.IsZero() {
		date = t
	}
	return from, date
}
