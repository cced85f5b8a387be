// Package pipeline composes a producer, optional byte-stream transforms and a
// consumer into one supervised execution unit.
//
// All stages run concurrently, connected by synchronous pipes so a slow
// consumer applies backpressure all the way to the producer. The first stage
// failure wins; every other stage is unblocked and terminated before Run
// returns. Partial success is never success: any abnormal stage exit makes
// the whole run a failure, even if downstream stages completed cleanly.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-zback/pkg/plog"
)

// ErrStalled reports that no bytes moved through the pipeline within the
// configured stall timeout.
var ErrStalled = errors.New("pipeline stalled: no byte activity within timeout")

// Producer emits the source byte stream into dst.
type Producer struct {
	Name string
	Run  func(ctx context.Context, dst io.Writer) error
}

// Transform rewrites bytes from src into dst (e.g. compression).
type Transform struct {
	Name string
	Run  func(ctx context.Context, dst io.Writer, src io.Reader) error
}

// Consumer absorbs the final byte stream from src.
type Consumer struct {
	Name string
	Run  func(ctx context.Context, src io.Reader) error
}

// StageError identifies which stage failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %q: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Metrics collects transfer statistics for one pipeline run.
type Metrics interface {
	AddBytesProduced(n int64)
	AddBytesConsumed(n int64)
	Log()
}

// TransferMetrics holds atomic counters for the stream volume on both ends of
// the pipeline. It is the concrete implementation of the Metrics interface.
type TransferMetrics struct {
	BytesProduced atomic.Int64
	BytesConsumed atomic.Int64
}

func (m *TransferMetrics) AddBytesProduced(n int64) { m.BytesProduced.Add(n) }
func (m *TransferMetrics) AddBytesConsumed(n int64) { m.BytesConsumed.Add(n) }

// Log prints a summary of the transfer.
func (m *TransferMetrics) Log() {
	plog.Info("SUM",
		"bytesProduced", m.BytesProduced.Load(),
		"bytesConsumed", m.BytesConsumed.Load(),
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no
// operations. It disables metrics collection without changing calling code.
type NoopMetrics struct{}

func (m *NoopMetrics) AddBytesProduced(n int64) {}
func (m *NoopMetrics) AddBytesConsumed(n int64) {}
func (m *NoopMetrics) Log()                     {}

// Runner executes pipelines with a shared stall/metrics configuration.
type Runner struct {
	stallTimeout   time.Duration
	collectMetrics bool
}

// NewRunner creates a pipeline runner. stallTimeout == 0 disables the stall
// watchdog.
func NewRunner(stallTimeout time.Duration, collectMetrics bool) *Runner {
	return &Runner{stallTimeout: stallTimeout, collectMetrics: collectMetrics}
}

// Run executes producer -> transforms -> consumer and returns the number of
// bytes accepted by the consumer side. On failure the returned count is the
// volume moved before the abort and must not be treated as a valid transfer.
func (r *Runner) Run(ctx context.Context, producer Producer, transforms []Transform, consumer Consumer) (int64, error) {
	var metrics Metrics
	if r.collectMetrics {
		metrics = &TransferMetrics{}
	} else {
		metrics = &NoopMetrics{}
	}

	// lastActivity is bumped on every byte moved; the watchdog reads it.
	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())
	var consumed atomic.Int64

	numPipes := len(transforms) + 1
	readers := make([]*io.PipeReader, numPipes)
	writers := make([]*io.PipeWriter, numPipes)
	for i := 0; i < numPipes; i++ {
		readers[i], writers[i] = io.Pipe()
	}
	closeAll := func(err error) {
		for i := 0; i < numPipes; i++ {
			writers[i].CloseWithError(err)
			readers[i].CloseWithError(err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		w := &countingWriter{
			w:     writers[0],
			count: func(n int64) { metrics.AddBytesProduced(n); lastActivity.Store(time.Now().UnixNano()) },
		}
		err := producer.Run(gctx, w)
		// Closing the writer end signals EOF downstream on success and
		// propagates the failure otherwise.
		writers[0].CloseWithError(err)
		if err != nil {
			return &StageError{Stage: producer.Name, Err: err}
		}
		return nil
	})

	for i, tr := range transforms {
		i, tr := i, tr
		g.Go(func() error {
			err := tr.Run(gctx, writers[i+1], readers[i])
			writers[i+1].CloseWithError(err)
			readers[i].CloseWithError(err)
			if err != nil {
				return &StageError{Stage: tr.Name, Err: err}
			}
			return nil
		})
	}

	g.Go(func() error {
		cr := &countingReader{
			r: readers[numPipes-1],
			count: func(n int64) {
				consumed.Add(n)
				metrics.AddBytesConsumed(n)
				lastActivity.Store(time.Now().UnixNano())
			},
		}
		err := consumer.Run(gctx, cr)
		readers[numPipes-1].CloseWithError(err)
		if err != nil {
			return &StageError{Stage: consumer.Name, Err: err}
		}
		return nil
	})

	// Unblock stages stuck on pipe I/O when the run is canceled from outside
	// or when a sibling stage already failed.
	monitorDone := make(chan struct{})
	go func() {
		select {
		case <-gctx.Done():
			closeAll(context.Cause(gctx))
		case <-monitorDone:
		}
	}()

	var stalled atomic.Bool
	if r.stallTimeout > 0 {
		go func() {
			ticker := time.NewTicker(r.stallTimeout / 4)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return
				case <-monitorDone:
					return
				case <-ticker.C:
					idle := time.Since(time.Unix(0, lastActivity.Load()))
					if idle >= r.stallTimeout {
						stalled.Store(true)
						closeAll(ErrStalled)
						return
					}
				}
			}
		}()
	}

	err := g.Wait()
	close(monitorDone)

	if stalled.Load() && !errors.Is(err, ErrStalled) {
		err = fmt.Errorf("%w (first stage error: %v)", ErrStalled, err)
	}
	if err != nil {
		return consumed.Load(), err
	}
	metrics.Log()
	return consumed.Load(), nil
}

// countingWriter wraps an io.Writer and invokes count on every write.
type countingWriter struct {
	w     io.Writer
	count func(int64)
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 {
		cw.count(int64(n))
	}
	return
}

// countingReader wraps an io.Reader and invokes count on every read.
type countingReader struct {
	r     io.Reader
	count func(int64)
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 {
		cr.count(int64(n))
	}
	return
}
