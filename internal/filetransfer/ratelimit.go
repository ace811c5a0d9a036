package filetransfer

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// rateLimitBurst lets two chunks through back to back before throttling.
const rateLimitBurst = 2 * 8192

// RateLimitedReader wraps an io.Reader with a token bucket so reads average
// at most bytesPerSecond.
type RateLimitedReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

// NewRateLimitedReader limits r to bytesPerSecond. A zero or negative limit
// returns r unchanged.
func NewRateLimitedReader(ctx context.Context, r io.Reader, bytesPerSecond int64) io.Reader {
	if bytesPerSecond <= 0 {
		return r
	}
	return &RateLimitedReader{
		r:       r,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), rateLimitBurst),
		ctx:     ctx,
	}
}

// Read reads at most one burst and then waits for the matching tokens.
func (r *RateLimitedReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}

	if len(p) > rateLimitBurst {
		p = p[:rateLimitBurst]
	}
	n, err := r.r.Read(p)
	if n <= 0 {
		return n, err
	}

	if waitErr := r.limiter.WaitN(r.ctx, n); waitErr != nil {
		return n, waitErr
	}
	return n, err
}
