package transport

import (
	"context"
	"net"
	"sync"

	"golang.org/x/time/rate"
)

// ThrottledStream limits the rate at which data is read from the wrapped
// stream. The peer's writes back up once the transport buffers are full, so
// the peer sees a slow consumer.
type ThrottledStream struct {
	Stream
	limiter *rate.Limiter
	burst   int

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Throttle wraps s so that at most bytesPerSecond bytes are read per second,
// in reads of at most burst bytes
func Throttle(s Stream, bytesPerSecond float64, burst int) *ThrottledStream {
	if burst < 1 {
		burst = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ThrottledStream{
		Stream:  s,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burst),
		burst:   burst,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (t *ThrottledStream) Read(p []byte) (int, error) {
	if len(p) > t.burst {
		p = p[:t.burst]
	}
	if err := t.limiter.WaitN(t.ctx, len(p)); err != nil {
		return 0, net.ErrClosed
	}
	return t.Stream.Read(p)
}

func (t *ThrottledStream) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		err = t.Stream.Close()
	})
	return err
}
