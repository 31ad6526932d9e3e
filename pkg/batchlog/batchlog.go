package batchlog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/shannynalayna/splinter/pkg/batch"
	"github.com/shannynalayna/splinter/pkg/splerrors"
	"github.com/shannynalayna/splinter/pkg/types"
)

// Outcome records how a sequence slot was consumed.
type Outcome uint8

const (
	OutcomeCommitted Outcome = 1
	OutcomeAborted   Outcome = 2
)

// Entry is one immutable batch log record. Committed entries carry the
// batch operations so state can be re-derived by replay after a crash;
// aborted entries only consume the sequence slot.
type Entry struct {
	Seq         types.SeqNum
	Outcome     Outcome
	BatchID     types.BatchID
	Root        types.StateRoot
	TimestampMs int64
	Ops         []batch.Op
}

// Log is the durable, append-only record of consensus outcomes for one
// service. Appends are fsynced before returning.
type Log struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	dir      string
	filePath string
	last     *Entry
}

// Open opens (or creates) the log under dir and scans it so Last reflects
// the newest durable record.
func Open(dir string) (*Log, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty batch log dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create batch log directory: %w", err)
	}

	filePath := filepath.Join(dir, "batch.log")
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open batch log file: %w", err)
	}

	l := &Log{
		file:     file,
		writer:   bufio.NewWriter(file),
		dir:      dir,
		filePath: filePath,
	}

	if err := l.scan(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to scan batch log: %w", err)
	}

	return l, nil
}

// scan walks the log to find the newest complete record. A torn record at
// the tail (crash mid-append) is truncated away so the log ends at the
// last known-good entry.
func (l *Log) scan() error {
	reader := newCountingReader(l.file)
	var goodOffset int64
	for {
		entry, err := readEntry(reader.buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Warn("truncating torn batch log tail", "path", l.filePath, "offset", goodOffset)
				if terr := l.file.Truncate(goodOffset); terr != nil {
					return fmt.Errorf("failed to truncate torn batch log: %w", terr)
				}
				if _, serr := l.file.Seek(0, io.SeekEnd); serr != nil {
					return fmt.Errorf("failed to seek batch log: %w", serr)
				}
				break
			}
			return err
		}
		goodOffset = reader.offset()
		stored := entry
		l.last = &stored
	}
	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek batch log: %w", err)
	}
	return nil
}

// countingReader tracks how many bytes the buffered reader has consumed so
// scan can truncate at a record boundary.
type countingReader struct {
	n   int64
	buf *bufio.Reader
}

func newCountingReader(r io.Reader) *countingReader {
	cr := &countingReader{}
	cr.buf = bufio.NewReader(readerFunc(func(p []byte) (int, error) {
		n, err := r.Read(p)
		cr.n += int64(n)
		return n, err
	}))
	return cr
}

// offset is the position just past the bytes handed out by buf so far.
func (cr *countingReader) offset() int64 {
	return cr.n - int64(cr.buf.Buffered())
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

// Append durably writes one record. The record must extend the log by
// exactly one sequence number.
func (l *Log) Append(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer == nil {
		return splerrors.ErrClosed
	}
	if l.last != nil && entry.Seq != l.last.Seq+1 {
		return fmt.Errorf("append seq %d after %d: %w", entry.Seq, l.last.Seq, splerrors.ErrSequenceViolation)
	}
	if l.last == nil && entry.Seq != 1 {
		return fmt.Errorf("append seq %d to empty log: %w", entry.Seq, splerrors.ErrSequenceViolation)
	}

	if err := l.writeEntry(entry); err != nil {
		return fmt.Errorf("failed to write batch log entry: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush batch log: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync batch log: %w", err)
	}

	stored := entry
	l.last = &stored
	return nil
}

// Last returns the newest durable entry, if any.
func (l *Log) Last() (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last == nil {
		return Entry{}, false
	}
	return *l.last, true
}

// Replay streams every entry with Seq >= start to the callback in order.
func (l *Log) Replay(start types.SeqNum, callback func(Entry) error) error {
	if l.writer != nil {
		if err := l.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush batch log before replay: %w", err)
		}
	}

	file, err := os.Open(l.filePath)
	if err != nil {
		return fmt.Errorf("failed to open batch log for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close batch log read file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)
	for {
		entry, err := readEntry(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to read batch log entry: %w", err)
		}
		if entry.Seq < start {
			continue
		}
		if err := callback(entry); err != nil {
			return fmt.Errorf("batch log replay callback failed: %w", err)
		}
	}
	return nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		if err := l.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush batch log on close: %w", err)
		}
		l.writer = nil
	}
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			return fmt.Errorf("failed to close batch log file: %w", err)
		}
		l.file = nil
	}
	return nil
}

// Purge closes the log and deletes its directory. Deleting an already
// purged log succeeds as a no-op.
func (l *Log) Purge() error {
	if err := l.Close(); err != nil {
		return err
	}
	if err := os.RemoveAll(l.dir); err != nil {
		return fmt.Errorf("failed to remove batch log directory: %w", err)
	}
	return nil
}

func (l *Log) writeEntry(entry Entry) error {
	w := l.writer

	if err := binary.Write(w, binary.LittleEndian, uint64(entry.Seq)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint8(entry.Outcome)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, entry.TimestampMs); err != nil {
		return err
	}
	if err := writeBytes(w, []byte(entry.BatchID)); err != nil {
		return err
	}
	if err := writeBytes(w, []byte(entry.Root)); err != nil {
		return err
	}

	if len(entry.Ops) > math.MaxUint32 {
		return fmt.Errorf("too many ops: %d", len(entry.Ops))
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(entry.Ops))); err != nil {
		return err
	}
	for _, op := range entry.Ops {
		var kind uint8
		if op.Delete {
			kind = 1
		}
		if err := binary.Write(w, binary.LittleEndian, kind); err != nil {
			return err
		}
		if err := writeBytes(w, op.Key); err != nil {
			return err
		}
		if err := writeBytes(w, op.Value); err != nil {
			return err
		}
	}
	return nil
}

func writeBytes(w io.Writer, b []byte) error {
	if len(b) > math.MaxUint32 {
		return fmt.Errorf("field too large: %d", len(b))
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readEntry(r *bufio.Reader) (Entry, error) {
	var entry Entry

	var seq uint64
	if err := binary.Read(r, binary.LittleEndian, &seq); err != nil {
		return entry, err
	}
	entry.Seq = types.SeqNum(seq)

	var outcome uint8
	if err := binary.Read(r, binary.LittleEndian, &outcome); err != nil {
		return entry, unexpected(err)
	}
	entry.Outcome = Outcome(outcome)

	if err := binary.Read(r, binary.LittleEndian, &entry.TimestampMs); err != nil {
		return entry, unexpected(err)
	}

	id, err := readBytes(r)
	if err != nil {
		return entry, unexpected(err)
	}
	entry.BatchID = types.BatchID(id)

	root, err := readBytes(r)
	if err != nil {
		return entry, unexpected(err)
	}
	entry.Root = types.StateRoot(root)

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return entry, unexpected(err)
	}
	entry.Ops = make([]batch.Op, 0, count)
	for i := uint32(0); i < count; i++ {
		var kind uint8
		if err := binary.Read(r, binary.LittleEndian, &kind); err != nil {
			return entry, unexpected(err)
		}
		key, err := readBytes(r)
		if err != nil {
			return entry, unexpected(err)
		}
		value, err := readBytes(r)
		if err != nil {
			return entry, unexpected(err)
		}
		entry.Ops = append(entry.Ops, batch.Op{Delete: kind == 1, Key: key, Value: value})
	}

	return entry, nil
}

func readBytes(r *bufio.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// unexpected maps a clean EOF inside a record to ErrUnexpectedEOF so a
// torn tail write is distinguishable from the end of the log.
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
