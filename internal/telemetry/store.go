package telemetry

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"
)

// MaxQueueSize bounds the write queue. When full, the oldest queued event is
// dropped and a warning names its type.
const MaxQueueSize = 10_000

// Default retention and compression windows in days.
const (
	DefaultRetentionDays     = 30
	DefaultCompressAfterDays = 7
)

const sweepInterval = time.Hour

// ErrQueueOverflow marks an event dropped from a full write queue.
var ErrQueueOverflow = errors.New("telemetry queue overflow")

// ErrStoreClosed marks an event or flush rejected after Close.
var ErrStoreClosed = errors.New("telemetry store closed")

var fileDatePattern = regexp.MustCompile(`^events-(\d{4}-\d{2}-\d{2})\.ndjson(\.gz)?$`)

// Config controls persistence, retention and tracing for the telemetry store.
type Config struct {
	Enabled           bool
	RetentionDays     int
	Traces            bool
	CompressAfterDays int // 0 disables compression
}

// DefaultConfig returns the enabled default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		RetentionDays:     DefaultRetentionDays,
		Traces:            true,
		CompressAfterDays: DefaultCompressAfterDays,
	}
}

type queued struct {
	ev    Event
	flush bool
	done  chan error
}

// Store owns the telemetry directory. Emits go through a bounded FIFO drained
// by a single writer goroutine; an acked Emit means the event is on disk, not
// merely enqueued.
type Store struct {
	dir    string
	cfg    Config
	logger *log.Logger
	now    func() time.Time

	queue      chan queued
	stop       chan struct{}
	writerDone chan struct{}
	sweepStop  chan struct{}
	sweepDone  chan struct{}

	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
	dropMu    sync.Mutex

	tapMu sync.RWMutex
	taps  []func(Event)
}

// NewStore creates a Store rooted at dir. Call Init before emitting.
func NewStore(dir string, cfg Config, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(os.Stderr, "[veritas-telemetry] ", log.LstdFlags)
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}
	return &Store{
		dir:        dir,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		queue:      make(chan queued, MaxQueueSize),
		stop:       make(chan struct{}),
		writerDone: make(chan struct{}),
		sweepStop:  make(chan struct{}),
		sweepDone:  make(chan struct{}),
	}
}

// Config returns the store configuration.
func (s *Store) Config() Config { return s.cfg }

// Dir returns the telemetry directory.
func (s *Store) Dir() string { return s.dir }

// Init creates the directory, runs one retention sweep and starts the writer
// and the periodic sweep ticker.
func (s *Store) Init() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("telemetry dir: %w", err)
	}
	s.Sweep(s.now())
	go s.writer()
	go s.sweepLoop()
	return nil
}

// Tap registers fn to observe every finalized event synchronously at emit
// time, before it is enqueued. Taps must not block.
func (s *Store) Tap(fn func(Event)) {
	s.tapMu.Lock()
	defer s.tapMu.Unlock()
	s.taps = append(s.taps, fn)
}

// Emit finalizes the partial event with an id and timestamp and persists it.
// It returns once the writer has appended the event (or the write failed or
// the event was dropped; both are logged and swallowed). Disabled stores
// still finalize and return the event without persisting.
func (s *Store) Emit(ctx context.Context, ev Event) Event {
	if ev.ID == "" {
		ev.ID = NewEventID()
	}
	if ev.Timestamp == "" {
		ev.Timestamp = FormatTime(s.now())
	}

	s.tapMu.RLock()
	taps := s.taps
	s.tapMu.RUnlock()
	for _, fn := range taps {
		fn(ev)
	}

	if !s.cfg.Enabled {
		return ev
	}

	q := queued{ev: ev, done: make(chan error, 1)}
	s.enqueue(q)
	select {
	case err := <-q.done:
		if err != nil && !errors.Is(err, ErrQueueOverflow) && !errors.Is(err, ErrStoreClosed) {
			s.logger.Printf("telemetry write failed for %s: %v", ev.Type, err)
		}
	case <-ctx.Done():
	}
	return ev
}

func (s *Store) enqueue(q queued) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		s.logger.Printf("telemetry store closed, dropping event type=%s", q.ev.Type)
		q.done <- ErrStoreClosed
		return
	}
	select {
	case s.queue <- q:
		return
	default:
	}
	// Queue full: make room by dropping the oldest queued event. A flush
	// sentinel is never the victim; it goes back behind the drop so Flush
	// cannot ack while events enqueued before it are still unwritten.
	s.dropMu.Lock()
	defer s.dropMu.Unlock()
	var flushes []queued
	dropped := false
	for !dropped {
		select {
		case old := <-s.queue:
			if old.flush {
				flushes = append(flushes, old)
				continue
			}
			s.logger.Printf("telemetry queue full, dropping oldest event type=%s", old.ev.Type)
			old.done <- ErrQueueOverflow
			dropped = true
		default:
			// The writer drained the queue in the meantime.
			dropped = true
		}
	}
	for _, fl := range flushes {
		select {
		case s.queue <- fl:
		default:
			fl.done <- ErrQueueOverflow
		}
	}
	select {
	case s.queue <- q:
	default:
		s.logger.Printf("telemetry queue full, dropping event type=%s", q.ev.Type)
		q.done <- ErrQueueOverflow
	}
}

// Flush blocks until every event enqueued before the call has been written.
func (s *Store) Flush(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	s.closeMu.RLock()
	if s.closed {
		s.closeMu.RUnlock()
		return ErrStoreClosed
	}
	q := queued{flush: true, done: make(chan error, 1)}
	select {
	case s.queue <- q:
		s.closeMu.RUnlock()
	case <-ctx.Done():
		s.closeMu.RUnlock()
		return ctx.Err()
	}
	select {
	case err := <-q.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the sweep ticker, drains the queue and shuts down the writer.
// Emits racing past Close are acked ErrStoreClosed and dropped; the queue
// channel itself is never closed, so a late Emit can never panic.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.sweepStop)
		<-s.sweepDone
		err = s.Flush(context.Background())
		s.closeMu.Lock()
		s.closed = true
		s.closeMu.Unlock()
		close(s.stop)
		<-s.writerDone
	})
	return err
}

// writer is the single serial writer. Writes to one file never interleave;
// the file handle is kept open until the event date rotates.
func (s *Store) writer() {
	defer close(s.writerDone)
	var f *os.File
	var fname string
	defer func() {
		if f != nil {
			_ = f.Close()
		}
	}()
	write := func(q queued) {
		if q.flush {
			q.done <- nil
			return
		}
		name := s.fileForTimestamp(q.ev.Timestamp)
		if f == nil || name != fname {
			if f != nil {
				_ = f.Close()
				f = nil
			}
			var err error
			f, err = os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				q.done <- err
				return
			}
			fname = name
		}
		line, err := json.Marshal(q.ev)
		if err != nil {
			q.done <- err
			return
		}
		_, err = f.Write(append(line, '\n'))
		q.done <- err
	}
	for {
		select {
		case q := <-s.queue:
			write(q)
		case <-s.stop:
			// Close set the closed flag before signalling, so no new
			// sends can race this final drain.
			for {
				select {
				case q := <-s.queue:
					write(q)
				default:
					return
				}
			}
		}
	}
}

// fileForTimestamp derives the partition file from the event timestamp, so
// the filename date always matches every timestamp inside the file.
func (s *Store) fileForTimestamp(ts string) string {
	date := ts
	if len(date) >= 10 {
		date = date[:10]
	}
	return filepath.Join(s.dir, "events-"+date+".ndjson")
}

func (s *Store) sweepLoop() {
	defer close(s.sweepDone)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}

// Sweep enumerates telemetry files, deletes those past retention and
// compresses uncompressed files past the compression window. Idempotent for
// a fixed clock.
func (s *Store) Sweep(now time.Time) {
	matches, err := doublestar.FilepathGlob(filepath.Join(s.dir, "events-*.ndjson*"))
	if err != nil {
		s.logger.Printf("telemetry sweep glob: %v", err)
		return
	}
	retentionCutoff := now.UTC().AddDate(0, 0, -s.cfg.RetentionDays)
	compressCutoff := now.UTC().AddDate(0, 0, -s.cfg.CompressAfterDays)
	for _, path := range matches {
		m := fileDatePattern.FindStringSubmatch(filepath.Base(path))
		if m == nil {
			continue
		}
		fileDate, err := time.Parse("2006-01-02", m[1])
		if err != nil {
			continue
		}
		isGz := m[2] == ".gz"
		if fileDate.Before(retentionCutoff) {
			if err := os.Remove(path); err != nil {
				s.logger.Printf("telemetry retention delete %s: %v", path, err)
			}
			continue
		}
		if !isGz && s.cfg.CompressAfterDays > 0 && fileDate.Before(compressCutoff) {
			if err := s.compressFile(path); err != nil {
				s.logger.Printf("telemetry compress %s: %v", path, err)
			}
		}
	}
}

// compressFile gzips path to path.gz and deletes the original only after the
// round-trip digest matches. A leftover partial .gz from a crashed sweep is
// overwritten.
func (s *Store) compressFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	gzPath := path + ".gz"
	dst, err := os.Create(gzPath)
	if err != nil {
		return err
	}
	srcHash := blake3.New()
	zw := gzip.NewWriter(dst)
	_, err = io.Copy(zw, io.TeeReader(src, srcHash))
	if err == nil {
		err = zw.Close()
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(gzPath)
		return err
	}

	if err := verifyGzipDigest(gzPath, srcHash.Sum(nil)); err != nil {
		_ = os.Remove(gzPath)
		return err
	}
	return os.Remove(path)
}

func verifyGzipDigest(gzPath string, want []byte) error {
	f, err := os.Open(gzPath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer func() { _ = zr.Close() }()
	h := blake3.New()
	if _, err := io.Copy(h, zr); err != nil {
		return err
	}
	if string(h.Sum(nil)) != string(want) {
		return fmt.Errorf("gzip round-trip digest mismatch for %s", gzPath)
	}
	return nil
}
