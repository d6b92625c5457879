// ============================================================================
// File Log - Single-Node Durable Log
// ============================================================================
//
// Package: internal/streamlog
// File: file_log.go
// Purpose: A concrete, on-disk Log. Every record is appended as a single
// JSON line and the file is fsynced in batches, exactly the batch-commit
// strategy in the teacher's WAL (internal/storage/wal/wal.go): accumulate
// appends in a channel, flush the batch to the encoder, fsync once per
// batch instead of once per record.
//
// This is a single-node stand-in for "the log storage engine and
// replication" the specification calls out of scope: CommitPosition
// tracks the position of the most recent fsynced batch, so on a single
// node "durable" and "committed" coincide. A real deployment would swap
// this for a replicated log and only the watcher contract would need to
// keep working.
//
// ============================================================================

package streamlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var log = slog.Default()

type wireRecord struct {
	Position             int64  `json:"position"`
	ProducerID            string `json:"producer_id"`
	SourceRecordPosition int64  `json:"source_record_position"`
	Payload              []byte `json:"payload"`
	AppendedAtUnixMilli  int64  `json:"appended_at_ms"`
	Checksum             uint32 `json:"checksum"`
}

func toWire(r Record) wireRecord {
	return wireRecord{
		Position:             int64(r.Position),
		ProducerID:           string(r.ProducerID),
		SourceRecordPosition: int64(r.SourceRecordPosition),
		Payload:              r.Payload,
		AppendedAtUnixMilli:  r.AppendedAt.UnixMilli(),
		Checksum:             r.Checksum(),
	}
}

func fromWire(w wireRecord) Record {
	return Record{
		Position:             Position(w.Position),
		ProducerID:           ProducerID(w.ProducerID),
		SourceRecordPosition: Position(w.SourceRecordPosition),
		Payload:              w.Payload,
		AppendedAt:           time.UnixMilli(w.AppendedAtUnixMilli),
	}
}

type appendRequest struct {
	rec   Record
	errCh chan error
}

// FileLog is a durable, append-only Log backed by a single file.
type FileLog struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	path    string
	records []Record // in-memory index mirroring the file, for fast Seek/Next

	commitPosition Position
	closed         bool

	batchCh       chan appendRequest
	bufferSize    int
	flushInterval time.Duration
	stop          chan struct{}
	wg            sync.WaitGroup

	commitWatchers []watcherEntry
	appendWatchers []watcherEntry
}

// OpenFileLog opens (and if necessary creates) the log at path, replaying
// any records already on disk into the in-memory index before returning.
func OpenFileLog(path string, bufferSize int, flushInterval time.Duration) (*FileLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("streamlog: create log directory: %w", err)
	}
	if bufferSize <= 0 {
		bufferSize = 64
	}
	if flushInterval <= 0 {
		flushInterval = 10 * time.Millisecond
	}

	existing, err := replayFile(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("streamlog: open log file: %w", err)
	}

	commit := NoPosition
	if len(existing) > 0 {
		commit = existing[len(existing)-1].Position
	}

	l := &FileLog{
		file:           file,
		encoder:        json.NewEncoder(file),
		path:           path,
		records:        existing,
		commitPosition: commit,
		batchCh:        make(chan appendRequest, bufferSize*2),
		bufferSize:     bufferSize,
		flushInterval:  flushInterval,
		stop:           make(chan struct{}),
	}
	l.wg.Add(1)
	go l.batchWriter()
	return l, nil
}

func replayFile(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("streamlog: open log for replay: %w", err)
	}
	defer file.Close()

	var records []Record
	decoder := json.NewDecoder(bufio.NewReader(file))
	for {
		var w wireRecord
		if err := decoder.Decode(&w); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("streamlog: decode record: %w", err)
		}
		rec := fromWire(w)
		if rec.Checksum() != w.Checksum {
			return nil, fmt.Errorf("streamlog: record at position %d: %w", rec.Position, ErrChecksumMismatch)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (l *FileLog) NewReader() (Reader, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	return &fileReader{log: l, next: 0}, nil
}

func (l *FileLog) NewWriter() Writer {
	return &fileWriter{log: l}
}

func (l *FileLog) CommitPosition() Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commitPosition
}

func (l *FileLog) RegisterOnCommitPositionUpdated(watcher CommitWatcher) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.register(&l.commitWatchers, watcher)
}

func (l *FileLog) RegisterOnRecordAppended(watcher CommitWatcher) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.register(&l.appendWatchers, watcher)
}

// register assumes l.mu is held.
func (l *FileLog) register(set *[]watcherEntry, watcher CommitWatcher) func() {
	id := len(*set)
	for _, e := range *set {
		if e.id >= id {
			id = e.id + 1
		}
	}
	*set = append(*set, watcherEntry{id: id, fn: watcher})
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, e := range *set {
			if e.id == id {
				*set = append((*set)[:i], (*set)[i+1:]...)
				return
			}
		}
	}
}

// Close flushes any pending batch, fsyncs, and releases the file handle.
func (l *FileLog) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.stop)
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

func (l *FileLog) batchWriter() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]appendRequest, 0, l.bufferSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		l.flushBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case req := <-l.batchCh:
			batch = append(batch, req)
			if len(batch) >= l.bufferSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.stop:
			flush()
			return
		}
	}
}

func (l *FileLog) flushBatch(batch []appendRequest) {
	l.mu.Lock()

	var flushErr error
	for i := range batch {
		if err := l.encoder.Encode(toWire(batch[i].rec)); err != nil {
			flushErr = fmt.Errorf("streamlog: encode record: %w", err)
			break
		}
	}
	if flushErr == nil {
		if err := l.file.Sync(); err != nil {
			flushErr = fmt.Errorf("streamlog: sync log file: %w", err)
		}
	}
	if flushErr == nil {
		l.commitPosition = batch[len(batch)-1].rec.Position
	}
	commitWatchers := append([]watcherEntry(nil), l.commitWatchers...)
	l.mu.Unlock()

	for i := range batch {
		batch[i].errCh <- flushErr
		close(batch[i].errCh)
	}
	if flushErr == nil {
		for _, w := range commitWatchers {
			w.fn()
		}
	} else {
		log.Error("streamlog: batch flush failed", "path", l.path, "error", flushErr)
	}
}

type fileReader struct {
	log  *FileLog
	next Position
}

func (r *fileReader) Seek(pos Position) error {
	r.log.mu.Lock()
	head := Position(len(r.log.records))
	r.log.mu.Unlock()
	if pos > head {
		return ErrSeekPastEnd
	}
	r.next = pos
	return nil
}

func (r *fileReader) Next() (Record, bool, error) {
	r.log.mu.Lock()
	defer r.log.mu.Unlock()

	idx := int(r.next)
	if idx < 0 || idx >= len(r.log.records) {
		return Record{}, false, nil
	}
	rec := r.log.records[idx]
	r.next = rec.Position + 1
	return rec, true, nil
}

func (r *fileReader) Close() error { return nil }

type fileWriter struct {
	log                  *FileLog
	producerID           ProducerID
	sourceRecordPosition Position
}

func (w *fileWriter) WithProducer(id ProducerID) Writer {
	w.producerID = id
	return w
}

func (w *fileWriter) WithSourceRecordPosition(pos Position) Writer {
	w.sourceRecordPosition = pos
	return w
}

func (w *fileWriter) Append(payload []byte) (Position, error) {
	w.log.mu.Lock()
	if w.log.closed {
		w.log.mu.Unlock()
		return NoPosition, ErrClosed
	}
	pos := Position(len(w.log.records))
	rec := Record{
		Position:             pos,
		ProducerID:           w.producerID,
		SourceRecordPosition: w.sourceRecordPosition,
		Payload:              payload,
		AppendedAt:           time.Now(),
	}
	w.log.records = append(w.log.records, rec)
	appendWatchers := append([]watcherEntry(nil), w.log.appendWatchers...)
	w.log.mu.Unlock()

	for _, watcher := range appendWatchers {
		watcher.fn()
	}

	errCh := make(chan error, 1)
	select {
	case w.log.batchCh <- appendRequest{rec: rec, errCh: errCh}:
		if err := <-errCh; err != nil {
			return NoPosition, err
		}
		return pos, nil
	case <-w.log.stop:
		return NoPosition, ErrClosed
	}
}
