// Package logsink implements the asynchronous, memory-mapped append log
// described in SPEC_FULL.md §4.1: producers call Log to enqueue a line
// and a single background flusher batches them into a growable mmap'd
// file.
package logsink

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gopgproxy/pgproxy/metrics"
)

const (
	initialFileSize = 1 * 1024 * 1024
	expansionStep   = 128 * 1024 * 1024
	highWaterRatio  = 0.9
)

// Config tunes the flusher's batching behavior. Zero values fall back to
// the defaults DefaultConfig returns.
type Config struct {
	BatchSize       int           // signal the flusher once the backlog reaches this size
	FlushInterval   time.Duration // upper bound on how long a line can wait unflushed
	SyncEveryNBatch int           // issue an async msync every N processed batches
}

// DefaultConfig mirrors the batch size and interval the teacher's
// AsyncLogger-equivalent components use by default.
func DefaultConfig() Config {
	return Config{
		BatchSize:       10_000,
		FlushInterval:   10 * time.Millisecond,
		SyncEveryNBatch: 20,
	}
}

// Sink appends log lines to a file via a background flusher, over a
// memory mapping that grows in fixed steps but is never shrunk.
type Sink struct {
	cfg Config

	mu      sync.Mutex
	backlog []string
	done    bool
	notify  chan struct{}
	wg      sync.WaitGroup

	fd          int
	mapped      []byte
	mappedSize  int
	writeOffset atomic.Int64 // mutated only by the flusher goroutine; read by others via WriteOffset
	errored     bool
}

// Open creates or truncates the log file at path to an initial size,
// maps it read/write shared, and starts the background flusher.
func Open(path string, cfg Config) (*Sink, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if cfg.SyncEveryNBatch <= 0 {
		cfg.SyncEveryNBatch = DefaultConfig().SyncEveryNBatch
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o666)
	if err != nil {
		return nil, fmt.Errorf("logsink: open %s: %w", path, err)
	}

	if err := unix.Ftruncate(fd, initialFileSize); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("logsink: truncate %s: %w", path, err)
	}

	mapped, err := unix.Mmap(fd, 0, initialFileSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("logsink: mmap %s: %w", path, err)
	}

	s := &Sink{
		cfg:        cfg,
		notify:     make(chan struct{}, 1),
		fd:         fd,
		mapped:     mapped,
		mappedSize: initialFileSize,
	}

	s.wg.Add(1)
	go s.run()

	return s, nil
}

// Log enqueues one record. It never blocks under normal operation and
// never drops a line silently; once the backlog reaches BatchSize the
// flusher is signaled to wake up early.
func (s *Sink) Log(line string) {
	s.mu.Lock()
	s.backlog = append(s.backlog, line)
	full := len(s.backlog) >= s.cfg.BatchSize
	s.mu.Unlock()

	if full {
		s.wake()
	}
}

func (s *Sink) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Close signals shutdown, waits for the flusher to drain and perform a
// final synchronous flush, then truncates the file to the bytes actually
// written and unmaps/closes it.
func (s *Sink) Close() error {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	s.wake()
	s.wg.Wait()

	if err := unix.Ftruncate(s.fd, s.writeOffset.Load()); err != nil {
		log.Printf("[logsink] truncate to write offset failed: %v", err)
	}
	if s.mapped != nil {
		if err := unix.Munmap(s.mapped); err != nil {
			log.Printf("[logsink] munmap failed: %v", err)
		}
	}
	return unix.Close(s.fd)
}

func (s *Sink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batches := 0
	for {
		select {
		case <-s.notify:
		case <-ticker.C:
		}

		local, shutdown := s.swapBacklog()
		if len(local) > 0 {
			s.writeBatch(local)
			batches++
			if batches >= s.cfg.SyncEveryNBatch {
				s.syncAsync()
				batches = 0
			}
		}
		if shutdown && len(local) == 0 {
			break
		}
	}

	// Drain anything enqueued between the last swap and shutdown, then do
	// a final synchronous flush.
	local, _ := s.swapBacklog()
	if len(local) > 0 {
		s.writeBatch(local)
	}
	if s.writeOffset.Load() > 0 {
		s.syncSync()
	}
}

func (s *Sink) swapBacklog() ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	local := s.backlog
	s.backlog = nil
	return local, s.done
}

func (s *Sink) writeBatch(lines []string) {
	for _, line := range lines {
		offset := int(s.writeOffset.Load())
		required := offset + len(line) + 1
		if !s.ensureCapacity(required) {
			metrics.LogSinkDropped.Inc()
			continue
		}
		copy(s.mapped[offset:], line)
		offset += len(line)
		s.mapped[offset] = '\n'
		offset++
		s.writeOffset.Store(int64(offset))
	}
}

// ensureCapacity grows the mapping in fixed expansionStep increments once
// required crosses the high-water mark. It returns false if growth fails
// — callers must not write to the mapping in that case. A failed remap
// leaves no mapping at all (mapped is nil), and after any failure the
// sink stays errored: every later call returns false.
func (s *Sink) ensureCapacity(required int) bool {
	if s.errored {
		return false
	}
	if float64(required) < highWaterRatio*float64(s.mappedSize) {
		return true
	}

	newSize := s.mappedSize + expansionStep
	for newSize <= required {
		newSize += expansionStep
	}

	if err := unix.Ftruncate(s.fd, newSize); err != nil {
		log.Printf("[logsink] ftruncate to %d failed: %v", newSize, err)
		s.errored = true
		return false
	}

	if s.mapped != nil {
		unix.Msync(s.mapped, unix.MS_SYNC)
		if err := unix.Munmap(s.mapped); err != nil {
			log.Printf("[logsink] munmap during growth failed: %v", err)
		}
	}

	mapped, err := unix.Mmap(s.fd, 0, newSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		log.Printf("[logsink] remap to %d failed: %v", newSize, err)
		s.mapped = nil
		s.errored = true
		return false
	}

	s.mapped = mapped
	s.mappedSize = newSize
	unix.Madvise(s.mapped, unix.MADV_SEQUENTIAL)
	metrics.LogSinkGrowths.Inc()
	return true
}

func (s *Sink) syncAsync() {
	if s.mapped == nil {
		return
	}
	if err := unix.Msync(s.mapped[:s.writeOffset.Load()], unix.MS_ASYNC); err != nil {
		log.Printf("[logsink] async msync failed: %v", err)
	}
}

func (s *Sink) syncSync() {
	if s.mapped == nil {
		return
	}
	if err := unix.Msync(s.mapped[:s.writeOffset.Load()], unix.MS_SYNC); err != nil {
		log.Printf("[logsink] sync msync failed: %v", err)
	}
}

// WriteOffset returns the number of authoritative bytes written so far.
// Exposed for tests and metrics; callers must not rely on timing beyond
// "non-decreasing".
func (s *Sink) WriteOffset() int {
	return int(s.writeOffset.Load())
}
