// Package broadcast fans one payload out to a set of connections.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cwrk-planet/chat-service/internal/chat"
	"github.com/cwrk-planet/chat-service/internal/metrics"
	"github.com/cwrk-planet/chat-service/pkg/logger"
)

const (
	DefaultSendTimeout   = 5 * time.Second
	DefaultMaxConcurrent = 32
)

type Options struct {
	// SendTimeout bounds each individual send.
	SendTimeout time.Duration
	// MaxConcurrent caps in-flight sends per broadcast.
	MaxConcurrent int
	Metrics       *metrics.Metrics
}

type Broadcaster struct {
	sendTimeout   time.Duration
	maxConcurrent int
	metrics       *metrics.Metrics
}

func New(opts Options) *Broadcaster {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	return &Broadcaster{
		sendTimeout:   opts.SendTimeout,
		maxConcurrent: opts.MaxConcurrent,
		metrics:       opts.Metrics,
	}
}

// Result summarises one broadcast.
type Result struct {
	Recipients int
	Delivered  int
	Failed     int
}

// Broadcast sends payload to every member concurrently and waits for all
// sends to finish or time out. A failed send is logged and counted; it never
// stops the other sends and is never returned to the caller.
func (b *Broadcaster) Broadcast(ctx context.Context, payload []byte, members []chat.Conn) Result {
	res := Result{Recipients: len(members)}
	if len(members) == 0 {
		return res
	}

	var delivered, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(b.maxConcurrent)

	for _, c := range members {
		g.Go(func() error {
			if err := b.send(ctx, c, payload); err != nil {
				failed.Add(1)
				args := []any{"conn_id", c.ID(), "err", err}
				for _, a := range logger.AttrsFromCtx(ctx) {
					args = append(args, a)
				}
				slog.WarnContext(ctx, "broadcast send failed", args...)
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	res.Delivered = int(delivered.Load())
	res.Failed = int(failed.Load())
	b.metrics.Delivered(res.Delivered)
	b.metrics.SendFailed(res.Failed)
	return res
}

func (b *Broadcaster) send(ctx context.Context, c chat.Conn, payload []byte) (err error) {
	ctx, cancel := context.WithTimeout(ctx, b.sendTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("broadcast send panic", "conn_id", c.ID(), "panic", r)
			err = errors.New("send panicked")
		}
	}()

	if err := c.Send(ctx, payload); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, chat.ErrSendTimeout) {
			return errors.Join(chat.ErrSendTimeout, err)
		}
		return err
	}
	return nil
}
