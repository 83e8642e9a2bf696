package protocol

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/term"
)

// Read deadlines. FirstByteTimeout applies until the host starts writing;
// ReadTimeout bounds the whole payload.
const (
	FirstByteTimeout = 500 * time.Millisecond
	ReadTimeout      = 5 * time.Second
)

var (
	// ErrInteractive is returned when stdin is a terminal rather than a pipe.
	ErrInteractive = errors.New("hook input must be piped, not typed on a terminal")

	// ErrReadTimeout is returned when the host sent nothing in time.
	ErrReadTimeout = errors.New("timed out waiting for hook input")
)

// firstByteReader signals once when the first byte arrives.
type firstByteReader struct {
	r       io.Reader
	arrived chan struct{}
	seen    bool
}

func (f *firstByteReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if (n > 0 || err != nil) && !f.seen {
		f.seen = true
		close(f.arrived)
	}
	return n, err
}

// ReadInput reads one payload from r, refusing an interactive terminal and
// enforcing the size limit and read deadlines. A reader left blocked after a
// deadline is abandoned; the process exits right after.
func ReadInput(r io.Reader) ([]byte, error) {
	return readInput(r, FirstByteTimeout, ReadTimeout)
}

func readInput(r io.Reader, firstByte, total time.Duration) ([]byte, error) {
	if f, ok := r.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return nil, ErrInteractive
	}

	fb := &firstByteReader{r: io.LimitReader(r, MaxInputSize+1), arrived: make(chan struct{})}
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := io.ReadAll(fb)
		done <- result{data, err}
	}()

	totalTimer := time.NewTimer(total)
	defer totalTimer.Stop()
	firstTimer := time.NewTimer(firstByte)
	defer firstTimer.Stop()

	arrived := fb.arrived
	for {
		select {
		case res := <-done:
			if res.err != nil {
				return nil, fmt.Errorf("read hook input: %w", res.err)
			}
			if len(res.data) > MaxInputSize {
				return nil, ErrTooLarge
			}
			return res.data, nil
		case <-arrived:
			firstTimer.Stop()
			arrived = nil
		case <-firstTimer.C:
			select {
			case <-arrived:
				arrived = nil
				continue
			default:
			}
			return nil, fmt.Errorf("%w after %s", ErrReadTimeout, firstByte)
		case <-totalTimer.C:
			return nil, fmt.Errorf("%w after %s", ErrReadTimeout, total)
		}
	}
}
