package bridge

import (
	"context"
	"errors"
	"sync"
)

var ErrTransportClosed = errors.New("transport closed")

// Transport moves whole messages between the caller and the driver.
type Transport interface {
	Send(msg []byte) error
	// Listen calls handle for every inbound message until ctx is done or
	// the transport is closed.
	Listen(ctx context.Context, handle func(msg []byte)) error
	Close() error
}

// pipeBuffer is the number of messages a pipe end queues before Send blocks.
const pipeBuffer = 64

// PipeEnd is one side of an in-process transport created by Pipe.
type PipeEnd struct {
	in        chan []byte
	peer      *PipeEnd
	closed    chan struct{}
	closeOnce sync.Once
}

// Pipe returns two connected transports. What one end sends the other
// receives.
func Pipe() (*PipeEnd, *PipeEnd) {
	a := &PipeEnd{in: make(chan []byte, pipeBuffer), closed: make(chan struct{})}
	b := &PipeEnd{in: make(chan []byte, pipeBuffer), closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (p *PipeEnd) Send(msg []byte) error {
	cp := append([]byte(nil), msg...)

	select {
	case <-p.closed:
		return ErrTransportClosed
	case <-p.peer.closed:
		return ErrTransportClosed
	default:
	}

	select {
	case p.peer.in <- cp:
		return nil
	case <-p.closed:
		return ErrTransportClosed
	case <-p.peer.closed:
		return ErrTransportClosed
	}
}

func (p *PipeEnd) Listen(ctx context.Context, handle func(msg []byte)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.closed:
			return nil
		case msg := <-p.in:
			handle(msg)
		}
	}
}

func (p *PipeEnd) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}
