// Package frame implements the line/data stream parser used by the SMTP
// connection state machine.
//
// A Parser wraps a bufio.Reader and toggles between two modes: command
// mode, where input is split into CRLF- or LF-terminated lines, and data
// mode, where input is dot-unstuffed and scanned for the "\r\n.\r\n"
// terminator that ends an SMTP/LMTP DATA transaction.
//
// Unlike the event-driven parser this package is modeled after, Go consumes
// the connection with blocking reads; back-pressure therefore falls out of
// the normal pull model instead of a continuation callback: a caller that
// hasn't called ReadCommand or drained a Body simply hasn't asked for more
// bytes yet.
package frame

import (
	"bufio"
	"errors"
	"io"
)

var (
	// ErrLineTooLong is returned by ReadCommand when a command line exceeds
	// MaxLineLength. The rest of the line is discarded but still consumed
	// from the stream, so the caller can respond and keep the connection's
	// protocol state in sync.
	ErrLineTooLong = errors.New("frame: command line too long")
)

// MaxLineLength is the maximum number of octets accepted for a single
// command line, per https://tools.ietf.org/html/rfc5321#section-4.5.3.1.6.
const MaxLineLength = 1000

// Parser reads SMTP command lines and DATA bodies off a connection.
type Parser struct {
	r *bufio.Reader
}

// New returns a Parser reading from r.
func New(r *bufio.Reader) *Parser {
	return &Parser{r: r}
}

// ReadCommand reads a single command-mode line, stripping its terminator.
// Both "\r\n" and a bare "\n" are accepted as line endings (bufio.Reader's
// ReadLine already treats them equivalently). Lines longer than
// MaxLineLength are discarded and reported as ErrLineTooLong.
func (p *Parser) ReadCommand() ([]byte, error) {
	line, isPrefix, err := p.r.ReadLine()
	if err != nil {
		return nil, err
	}

	if !isPrefix && len(line) <= MaxLineLength {
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}

	for isPrefix {
		_, isPrefix, err = p.r.ReadLine()
		if err != nil {
			return nil, err
		}
	}
	return nil, ErrLineTooLong
}

// Body is the readable stream handed to a DATA handler. It yields the
// dot-unstuffed message body (terminators preserved as-is, only the
// stuffing dot is removed) and, once fully drained (Read returns io.EOF),
// reports how many bytes were produced and whether that exceeded the
// configured budget.
//
// The parser itself never truncates the body: every byte below the budget
// is delivered, and bytes past it are still accounted for in Len/
// SizeExceeded. It's up to the caller (the connection state machine) to
// decide what to do about an oversized message; if it chooses to stop
// reading early, it must call Close to let the parser keep consuming (and
// discarding) wire bytes until the terminator, so the next command can be
// read from the right offset.
type Body struct {
	pr     *io.PipeReader
	n      int64
	max    int64
	exceed bool
	err    error
	done   chan struct{}
}

// Read implements io.Reader.
func (b *Body) Read(p []byte) (int, error) { return b.pr.Read(p) }

// Len returns the number of post-unstuffing bytes produced so far. Only
// stable once Read has returned io.EOF or Close has been called and Wait
// has returned.
func (b *Body) Len() int64 { return b.n }

// SizeExceeded reports whether the body was longer than the configured
// budget. Only meaningful once the body has been fully consumed (see Len).
func (b *Body) SizeExceeded() bool { return b.exceed }

// Close stops delivering bytes to the reader, but lets the underlying
// parser keep consuming wire bytes (discarding them) until the DATA
// terminator is found, so command mode can resume cleanly. Callers that
// read Body to io.EOF normally don't need to call this.
func (b *Body) Close() error {
	return b.pr.Close()
}

// Wait blocks until the body has been fully consumed off the wire
// (terminator found, or a read error) and returns the terminal error, if
// any other than io.EOF.
func (b *Body) Wait() error {
	<-b.done
	if b.err == io.EOF {
		return nil
	}
	return b.err
}

// StartData switches the parser into data mode and returns a Body that
// streams the dot-unstuffed message. A max <= 0 means unbounded.
func (p *Parser) StartData(max int64) *Body {
	pr, pw := io.Pipe()
	limit := max
	if limit <= 0 {
		limit = 1<<63 - 1
	}
	b := &Body{pr: pr, max: limit, done: make(chan struct{})}

	go func() {
		defer close(b.done)
		n, exceeded, err := copyUnstuffed(pw, p.r, limit)
		b.n = n
		b.exceed = exceeded
		b.err = err
		pw.CloseWithError(err)
	}()

	return b
}

// copyUnstuffed streams DATA-phase bytes from r to w, removing the
// dot-stuffing on lines that begin with ".", and stops once the
// terminator line (a line that is exactly ".") is found. w's writes may
// fail with io.ErrClosedPipe once the caller has given up on the body; in
// that case copyUnstuffed keeps reading (and discarding) until the
// terminator so the connection's byte stream stays aligned.
func copyUnstuffed(w io.Writer, r *bufio.Reader, max int64) (n int64, exceeded bool, err error) {
	atLineStart := true
	discard := false
	var total int64

	emit := func(bs []byte) error {
		if discard {
			return nil
		}
		total += int64(len(bs))
		if total > max {
			exceeded = true
		}
		if total > max {
			return nil
		}
		if _, werr := w.Write(bs); werr != nil {
			if errors.Is(werr, io.ErrClosedPipe) {
				discard = true
				return nil
			}
			return werr
		}
		return nil
	}

	one := [1]byte{}
	for {
		if atLineStart {
			b, rerr := r.ReadByte()
			if rerr != nil {
				return total, total > max, unexpected(rerr)
			}
			if b == '.' {
				peek, _ := r.Peek(2)
				if len(peek) >= 2 && peek[0] == '\r' && peek[1] == '\n' {
					if _, derr := r.Discard(2); derr != nil {
						return total, total > max, unexpected(derr)
					}
					return total, total > max, nil
				}
				if len(peek) >= 1 && peek[0] == '\n' {
					if _, derr := r.Discard(1); derr != nil {
						return total, total > max, unexpected(derr)
					}
					return total, total > max, nil
				}
				// Dot-stuffed line: drop this one leading dot and keep
				// reading the rest of the line normally.
				atLineStart = false
				continue
			}
			atLineStart = false
			one[0] = b
			if err := emit(one[:]); err != nil {
				return total, total > max, err
			}
			if b == '\n' {
				atLineStart = true
			}
			continue
		}

		b, rerr := r.ReadByte()
		if rerr != nil {
			return total, total > max, unexpected(rerr)
		}
		one[0] = b
		if err := emit(one[:]); err != nil {
			return total, total > max, err
		}
		if b == '\n' {
			atLineStart = true
		}
	}
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
