package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/avast/retry-go"

	"staticdirserver/archive"
)

// Download returns a single byte stream for the whole file that
// transparently uses numWorkers parallel range requests of chunkSize bytes.
// Reading chunks off the wire is retried with opts. A failed GetRange is not,
// f is expected to retry its own requests. The first error aborts the stream
// and is returned by its Read.
//
// Falls back to a single Get if the server doesn't support ranges or the
// file is smaller than a single chunk.
func Download(ctx context.Context, f Fetcher, chunkSize int64, numWorkers int, opts ...retry.Option) (io.ReadCloser, error) {
	info, err := f.FileInfo(ctx)
	if err != nil {
		return nil, err
	}
	if !info.AcceptRanges || chunkSize <= 0 || numWorkers < 1 || info.Size < chunkSize {
		return f.Get(ctx)
	}

	// Token channels decide which worker writes to the output stream. Each
	// worker sleeps until the previous one pushes a token to its channel and
	// pushes one to the next worker once its chunk is written. This keeps
	// chunks from getting interleaved.
	chans := make([]chan bool, numWorkers)
	for i := range chans {
		chans[i] = make(chan bool, 1)
	}

	ctx, cancel := context.WithCancel(ctx)
	reader, writer := io.Pipe()
	d := &download{
		fetcher:    f,
		size:       info.Size,
		chunkSize:  chunkSize,
		numWorkers: numWorkers,
		writer:     writer,
		opts:       append([]retry.Option{retry.Context(ctx), retry.LastErrorOnly(true), retry.RetryIf(isReadError)}, opts...),
		cancel:     cancel,
	}
	for i := 0; i < numWorkers; i++ {
		go d.writePartial(ctx, int64(i)*chunkSize, chans[i], chans[(i+1)%numWorkers])
	}
	// Worker 0 writes first.
	chans[0] <- true
	return &stream{PipeReader: reader, cancel: cancel}, nil
}

type download struct {
	fetcher    Fetcher
	size       int64
	chunkSize  int64
	numWorkers int
	writer     *io.PipeWriter
	opts       []retry.Option

	failOnce sync.Once
	cancel   context.CancelFunc
}

// requestError is a GetRange failure, as opposed to a body that broke off
// midway.
type requestError struct {
	err error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func isReadError(err error) bool {
	var reqErr *requestError
	return !errors.As(err, &reqErr)
}

func (d *download) fail(err error) {
	d.failOnce.Do(func() {
		d.writer.CloseWithError(err)
		d.cancel()
	})
}

// writePartial downloads every numWorkers-th chunk starting at start.
func (d *download) writePartial(ctx context.Context, start int64, curChan, nextChan chan bool) {
	buf := make([]byte, d.chunkSize)
	for chunkStart := start; chunkStart < d.size; chunkStart += d.chunkSize * int64(d.numWorkers) {
		chunkEnd := min(chunkStart+d.chunkSize, d.size)
		chunk := buf[:chunkEnd-chunkStart]

		// Read the chunk into memory before waiting for our turn, so the
		// download overlaps with other workers writing.
		err := retry.Do(func() error {
			body, err := d.fetcher.GetRange(ctx, chunkStart, chunkEnd)
			if err != nil {
				return &requestError{err}
			}
			defer body.Close()
			_, err = io.ReadFull(body, chunk)
			return err
		}, d.opts...)
		if err != nil {
			d.fail(fmt.Errorf("chunk at offset %d: %w", chunkStart, err))
			return
		}

		select {
		case <-curChan:
		case <-ctx.Done():
			return
		}

		if _, err := d.writer.Write(chunk); err != nil {
			d.fail(err)
			return
		}

		// Only pass the token on if there is a next chunk, otherwise the
		// stream is complete.
		if chunkEnd < d.size {
			nextChan <- true
		} else {
			d.writer.Close()
			d.cancel()
		}
	}
}

// stream aborts the outstanding workers when closed early.
type stream struct {
	*io.PipeReader
	cancel context.CancelFunc
}

func (s *stream) Close() error {
	s.cancel()
	return s.PipeReader.Close()
}

type readCloser struct {
	io.Reader
	io.Closer
}

// Open downloads the file like Download and returns the decompressed
// stream. Auto infers the compression from magic bytes, then the URL's
// extension. Closing the result aborts the download.
func (f *HTTPFetcher) Open(ctx context.Context, c archive.Compression, chunkSize int64, numWorkers int) (io.ReadCloser, error) {
	body, err := Download(ctx, f, chunkSize, numWorkers, retry.Attempts(f.attempts), retry.Delay(f.wait))
	if err != nil {
		return nil, err
	}
	r, err := archive.NewReader(f.Filename(), body, c)
	if err != nil {
		body.Close()
		return nil, err
	}
	return readCloser{r, body}, nil
}
