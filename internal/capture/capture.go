// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package capture records raw sync payloads as newline delimited JSON and
// replays them later. Files may be compressed; the codec is picked from the
// file extension.
package capture

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
)

// Kind tells which endpoint a payload came from.
type Kind string

const (
	KindMainData Kind = "maindata"
	KindPeers    Kind = "peers"
)

// Record is one captured payload.
type Record struct {
	Time     time.Time       `json:"ts"`
	Instance string          `json:"instance"`
	Kind     Kind            `json:"kind"`
	Hash     string          `json:"hash,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

type codec struct {
	newReader func(io.Reader) (io.ReadCloser, error)
	newWriter func(io.Writer) (io.WriteCloser, error)
}

var codecs = map[string]codec{
	".zst": {
		newReader: func(r io.Reader) (io.ReadCloser, error) {
			dec, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return dec.IOReadCloser(), nil
		},
		newWriter: func(w io.Writer) (io.WriteCloser, error) {
			return zstd.NewWriter(w)
		},
	},
	".gz": {
		newReader: func(r io.Reader) (io.ReadCloser, error) {
			return gzip.NewReader(r)
		},
		newWriter: func(w io.Writer) (io.WriteCloser, error) {
			return gzip.NewWriter(w), nil
		},
	},
	".xz": {
		newReader: func(r io.Reader) (io.ReadCloser, error) {
			xr, err := xz.NewReader(r)
			if err != nil {
				return nil, err
			}
			return io.NopCloser(xr), nil
		},
		newWriter: func(w io.Writer) (io.WriteCloser, error) {
			return xz.NewWriter(w)
		},
	},
	".br": {
		newReader: func(r io.Reader) (io.ReadCloser, error) {
			return io.NopCloser(brotli.NewReader(r)), nil
		},
		newWriter: func(w io.Writer) (io.WriteCloser, error) {
			return brotli.NewWriter(w), nil
		},
	},
}

func codecFor(path string) (codec, bool) {
	c, ok := codecs[strings.ToLower(filepath.Ext(path))]
	return c, ok
}

// Reader iterates the records of a capture file.
type Reader struct {
	file   *os.File
	stream io.ReadCloser
	dec    *json.Decoder
}

// Open opens a capture file for reading.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open capture %s", path)
	}

	var stream io.ReadCloser = f
	if c, ok := codecFor(path); ok {
		stream, err = c.newReader(bufio.NewReader(f))
		if err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "could not decompress capture %s", path)
		}
	}

	return &Reader{file: f, stream: stream, dec: json.NewDecoder(stream)}, nil
}

// Next returns the next record, or io.EOF after the last one.
func (r *Reader) Next() (*Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "could not decode capture record")
	}
	return &rec, nil
}

// Each calls fn for every remaining record and stops at the first error.
func (r *Reader) Each(fn func(*Record) error) error {
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

func (r *Reader) Close() error {
	if r.stream != r.file {
		r.stream.Close()
	}
	return r.file.Close()
}

// Recorder appends records to a capture file. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	file   *os.File
	buf    *bufio.Writer
	stream io.WriteCloser
	enc    *json.Encoder
	closed bool
}

// Create creates (or truncates) a capture file.
func Create(path string) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "could not create capture directory for %s", path)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not create capture %s", path)
	}

	buf := bufio.NewWriter(f)
	rec := &Recorder{file: f, buf: buf}

	var w io.Writer = buf
	if c, ok := codecFor(path); ok {
		stream, err := c.newWriter(buf)
		if err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "could not compress capture %s", path)
		}
		rec.stream = stream
		w = stream
	}

	rec.enc = json.NewEncoder(w)
	return rec, nil
}

// Record appends one payload.
func (r *Recorder) Record(instance string, kind Kind, hash string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.New("capture recorder is closed")
	}

	return r.enc.Encode(Record{
		Time:     time.Now().UTC(),
		Instance: instance,
		Kind:     kind,
		Hash:     hash,
		Payload:  json.RawMessage(payload),
	})
}

// Close flushes the codec and the file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	if r.stream != nil {
		if err := r.stream.Close(); err != nil {
			r.file.Close()
			return errors.Wrap(err, "could not finish capture stream")
		}
	}
	if err := r.buf.Flush(); err != nil {
		r.file.Close()
		return errors.Wrap(err, "could not flush capture")
	}
	return r.file.Close()
}

// FileName returns the capture file name for an instance started at t.
func FileName(instance string, t time.Time) string {
	return instance + "-" + t.UTC().Format("20060102T150405Z") + ".ndjson.zst"
}
