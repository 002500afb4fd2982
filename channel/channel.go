// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the lively.Channel interface.
package channel

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
)

// Direct constructs a connected pair of in-memory channels that pass frames
// directly. Frames sent to A are received by B and vice versa.
func Direct() (A, B Pipe) {
	a2b := make(chan []byte)
	b2a := make(chan []byte)
	A = Pipe{a2b: a2b, b2a: b2a}
	B = Pipe{a2b: b2a, b2a: a2b}
	return
}

// A Pipe is one end of an in-memory channel pair created by Direct.
type Pipe struct {
	a2b chan<- []byte
	b2a <-chan []byte
}

// Send implements a method of the [lively.Channel] interface.
func (d Pipe) Send(frame []byte) (err error) {
	defer safeClose(&err)
	d.a2b <- frame
	return nil
}

// Recv implements a method of the [lively.Channel] interface.
func (d Pipe) Recv() ([]byte, error) {
	frame, ok := <-d.b2a
	if !ok {
		return nil, net.ErrClosed
	}
	return frame, nil
}

// Close implements a method of the [lively.Channel] interface.
// Closing one end causes Recv on the other end to fail.
func (d Pipe) Close() (err error) {
	defer safeClose(&err)
	close(d.a2b)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// IO constructs a channel that receives from r and sends to wc. Frames are
// separated by newlines, so they must not themselves contain newlines. Encoded
// JSON messages satisfy this.
func IO(r io.Reader, wc io.WriteCloser) *IOChannel {
	// N.B. The bufio package will reuse existing buffers if possible.
	return &IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// An IOChannel sends and receives newline-delimited frames on a reader and a
// writer.
type IOChannel struct {
	r *bufio.Reader

	μ sync.Mutex // guards w
	w *bufio.Writer
	c io.Closer
}

var errNewline = errors.New("frame contains a newline")

// Send implements a method of the [lively.Channel] interface.
func (c *IOChannel) Send(frame []byte) error {
	if bytes.IndexByte(frame, '\n') >= 0 {
		return errNewline
	}
	c.μ.Lock()
	defer c.μ.Unlock()
	c.w.Write(frame)
	c.w.WriteByte('\n')
	return c.w.Flush()
}

// Recv implements a method of the [lively.Channel] interface.
// Blank lines are skipped.
func (c *IOChannel) Recv() ([]byte, error) {
	for {
		line, err := c.r.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(line) != 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(line) != 0 {
			return line, nil
		}
	}
}

// Close implements a method of the [lively.Channel] interface.
func (c *IOChannel) Close() error { return c.c.Close() }
