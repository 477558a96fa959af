package iopkg

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"io"
)

// ErrTooLarge is returned by LimitedReader once more than Max bytes were read.
var ErrTooLarge = errors.New("stream exceeds size limit")

// LimitedReader reads at most Max+1 bytes from R and fails with ErrTooLarge
// when the extra byte shows up. Unlike io.LimitedReader it does not silently
// truncate.
type LimitedReader struct {
	R   io.Reader
	Max int64
	N   int64 // bytes read so far
}

func NewLimitedReader(r io.Reader, max int64) *LimitedReader {
	return &LimitedReader{R: r, Max: max}
}

func (l *LimitedReader) Read(p []byte) (int, error) {
	if l.N > l.Max {
		return 0, ErrTooLarge
	}
	if rem := l.Max - l.N + 1; int64(len(p)) > rem {
		p = p[:rem]
	}
	n, err := l.R.Read(p)
	l.N += int64(n)
	if l.N > l.Max {
		return n, ErrTooLarge
	}
	return n, err
}

// Exceeded reports whether the limit was crossed. Callers check this after a
// failed write because some writers wrap reader errors without %w.
func (l *LimitedReader) Exceeded() bool { return l.N > l.Max }

// HeadSize is how many leading bytes Digest keeps for content sniffing.
const HeadSize = 3072

// Digest is an io.Writer computing SHA-256 and size while retaining the head
// of the stream.
type Digest struct {
	h    hash.Hash
	head []byte
	n    int64
}

func NewDigest() *Digest { return &Digest{h: sha256.New()} }

func (d *Digest) Write(p []byte) (int, error) {
	if room := HeadSize - len(d.head); room > 0 {
		if room > len(p) {
			room = len(p)
		}
		d.head = append(d.head, p[:room]...)
	}
	d.n += int64(len(p))
	return d.h.Write(p)
}

// Sum returns the lowercase hex SHA-256 of everything written.
func (d *Digest) Sum() string { return hex.EncodeToString(d.h.Sum(nil)) }

func (d *Digest) Size() int64 { return d.n }

func (d *Digest) Head() []byte { return d.head }

// OpenFunc opens one object of a concatenation.
type OpenFunc func(ctx context.Context, key string) (io.ReadCloser, error)

// ConcatReader streams keys back to back, opening each only when the
// previous one is drained. Memory stays bounded by the caller's buffer.
func ConcatReader(ctx context.Context, keys []string, open OpenFunc) io.ReadCloser {
	return &concatReader{ctx: ctx, keys: keys, open: open}
}

type concatReader struct {
	ctx  context.Context
	keys []string
	open OpenFunc
	cur  io.ReadCloser
}

func (c *concatReader) Read(p []byte) (int, error) {
	for {
		if c.cur == nil {
			if len(c.keys) == 0 {
				return 0, io.EOF
			}
			rc, err := c.open(c.ctx, c.keys[0])
			if err != nil {
				return 0, err
			}
			c.cur = rc
			c.keys = c.keys[1:]
		}
		n, err := c.cur.Read(p)
		if err == io.EOF {
			_ = c.cur.Close()
			c.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *concatReader) Close() error {
	if c.cur == nil {
		return nil
	}
	err := c.cur.Close()
	c.cur = nil
	return err
}
