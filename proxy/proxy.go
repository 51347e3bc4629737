// Package proxy wires together the Acceptor, Workers, and LogSink into
// the top-level component cmd/pgproxy drives. Grounded on the teacher's
// proxy.Proxy / postgres.Proxy constructor pattern, extended with the
// clean-shutdown behavior SPEC_FULL.md §4.5 requires.
package proxy

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/gopgproxy/pgproxy/acceptor"
	"github.com/gopgproxy/pgproxy/config"
	"github.com/gopgproxy/pgproxy/logsink"
	"github.com/gopgproxy/pgproxy/worker"
)

// Config is the fixed CLI contract plus the ambient tuning knobs.
type Config struct {
	ListenPort  int
	BackendHost string
	BackendPort int
	Tuning      config.Tuning
}

// Proxy owns every long-lived component of one proxy instance.
type Proxy struct {
	cfg     Config
	sink    *logsink.Sink
	workers []*worker.Worker
	acc     *acceptor.Acceptor

	stop chan struct{}
	eg   *errgroup.Group
}

// New constructs the LogSink, the Workers, and the Acceptor. No
// goroutine is started until Start is called.
func New(cfg Config) (*Proxy, error) {
	sink, err := logsink.Open(cfg.Tuning.LogPath, logsink.Config{
		BatchSize:       cfg.Tuning.BatchSize,
		FlushInterval:   cfg.Tuning.FlushInterval(),
		SyncEveryNBatch: cfg.Tuning.SyncEveryN,
	})
	if err != nil {
		return nil, fmt.Errorf("proxy: open log sink: %w", err)
	}

	numWorkers := cfg.Tuning.Workers
	if numWorkers <= 0 {
		numWorkers = config.Default().Workers
	}

	workerCfg := worker.Config{
		HighWaterMark: cfg.Tuning.HighWaterMark,
		LowWaterMark:  cfg.Tuning.LowWaterMark,
		PollTimeoutMs: worker.DefaultConfig().PollTimeoutMs,
	}

	workers := make([]*worker.Worker, 0, numWorkers)
	targets := make([]acceptor.Target, 0, numWorkers)
	for i := 0; i < numWorkers; i++ {
		w, err := worker.New(i, sink, workerCfg)
		if err != nil {
			sink.Close()
			return nil, fmt.Errorf("proxy: create worker %d: %w", i, err)
		}
		workers = append(workers, w)
		targets = append(targets, w)
	}

	acc, err := acceptor.New(cfg.ListenPort, cfg.BackendHost, cfg.BackendPort, targets)
	if err != nil {
		sink.Close()
		return nil, fmt.Errorf("proxy: create acceptor: %w", err)
	}

	return &Proxy{
		cfg:     cfg,
		sink:    sink,
		workers: workers,
		acc:     acc,
		stop:    make(chan struct{}),
	}, nil
}

// Start launches the Acceptor and every Worker on its own goroutine and
// returns immediately; call Shutdown to stop them.
func (p *Proxy) Start() error {
	eg := &errgroup.Group{}
	p.eg = eg

	for _, w := range p.workers {
		w := w
		eg.Go(func() error {
			if err := w.Run(); err != nil {
				log.Printf("[proxy] worker exited: %v", err)
				return err
			}
			return nil
		})
	}

	eg.Go(func() error {
		if err := p.acc.Run(p.stop); err != nil {
			log.Printf("[proxy] acceptor exited: %v", err)
			return err
		}
		return nil
	})

	log.Printf("[proxy] listening on :%d, forwarding to %s:%d with %d workers",
		p.cfg.ListenPort, p.cfg.BackendHost, p.cfg.BackendPort, len(p.workers))
	return nil
}

// Shutdown stops the Acceptor, unblocks every Worker's EpollWait by
// closing its epoll fd, waits for all goroutines to finish, then closes
// the LogSink last so no in-flight decoder output is lost.
func (p *Proxy) Shutdown(ctx context.Context) error {
	close(p.stop)
	if err := p.acc.Close(); err != nil {
		log.Printf("[proxy] acceptor close error: %v", err)
	}
	for _, w := range p.workers {
		w.Stop()
	}

	done := make(chan error, 1)
	go func() { done <- p.eg.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			log.Printf("[proxy] component goroutine returned error during shutdown: %v", err)
		}
	case <-ctx.Done():
		log.Printf("[proxy] shutdown deadline exceeded waiting for goroutines")
	}

	return p.sink.Close()
}
