// Package testutil provides in-process stand-ins for the relay processes
// the bus connects to in production: a forwarding proxy for broadcast
// traffic, an acknowledging responder for reflex traffic, and a queue
// relay for trophic traffic. They bind loopback TCP endpoints on ephemeral
// ports so tests never collide.
//
// These are test fixtures, not production relays: minimal forwarding, no
// persistence, no supervision.
package testutil

import (
	"encoding/json"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/HomoYouDidnt/kloros-sub004/transport"
)

// Relay is a two-socket forwarding proxy. FrontAddr is where publishers
// (or pushers) connect; BackAddr is where subscribers (or pullers)
// connect.
type Relay struct {
	FrontAddr string
	BackAddr  string

	ctx   *zmq.Context
	front *zmq.Socket
	back  *zmq.Socket
	stop  chan struct{}
	done  chan struct{}
}

// newRelay binds a frontType/backType socket pair on loopback ephemeral
// ports and forwards traffic between them in both directions (XPUB
// subscription frames travel upstream).
func newRelay(frontType, backType zmq.Type) (*Relay, error) {
	ctx, err := zmq.NewContext()
	if err != nil {
		return nil, err
	}

	front, err := ctx.NewSocket(frontType)
	if err != nil {
		return nil, err
	}
	back, err := ctx.NewSocket(backType)
	if err != nil {
		_ = front.Close()
		return nil, err
	}

	for _, sock := range []*zmq.Socket{front, back} {
		if err := sock.SetLinger(0); err != nil {
			_ = front.Close()
			_ = back.Close()
			return nil, err
		}
		if err := sock.Bind("tcp://127.0.0.1:*"); err != nil {
			_ = front.Close()
			_ = back.Close()
			return nil, err
		}
	}

	frontAddr, err := front.GetLastEndpoint()
	if err != nil {
		return nil, err
	}
	backAddr, err := back.GetLastEndpoint()
	if err != nil {
		return nil, err
	}

	r := &Relay{
		FrontAddr: frontAddr,
		BackAddr:  backAddr,
		ctx:       ctx,
		front:     front,
		back:      back,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go r.forward()
	return r, nil
}

// NewBroadcastRelay builds an XSUB/XPUB forwarder: the broadcast (or
// affect) relay. Publishers connect to FrontAddr, subscribers to BackAddr.
func NewBroadcastRelay() (*Relay, error) {
	return newRelay(zmq.XSUB, zmq.XPUB)
}

// NewQueueRelay builds a PULL/PUSH queue: the trophic work-queue
// aggregator. Producers connect to FrontAddr, workers to BackAddr.
func NewQueueRelay() (*Relay, error) {
	return newRelay(zmq.PULL, zmq.PUSH)
}

// forward shuttles frames between the two sockets until Stop.
func (r *Relay) forward() {
	defer close(r.done)

	poller := zmq.NewPoller()
	poller.Add(r.front, zmq.POLLIN)
	poller.Add(r.back, zmq.POLLIN)

	for {
		select {
		case <-r.stop:
			return
		default:
		}

		polled, err := poller.Poll(50 * time.Millisecond)
		if err != nil {
			return
		}
		for _, p := range polled {
			frames, err := p.Socket.RecvMessageBytes(0)
			if err != nil {
				continue
			}
			dst := r.back
			if p.Socket == r.back {
				dst = r.front
			}
			parts := make([]interface{}, len(frames))
			for i, f := range frames {
				parts[i] = f
			}
			_, _ = dst.SendMessage(parts...)
		}
	}
}

// Stop shuts the relay down and releases its sockets.
func (r *Relay) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	<-r.done
	_ = r.front.Close()
	_ = r.back.Close()
	_ = r.ctx.Term()
}

// Responder is an acknowledging REP endpoint for reflex-channel tests.
type Responder struct {
	Addr string

	ctx    *zmq.Context
	sock   *zmq.Socket
	handle func(payload []byte) transport.Ack
	delay  time.Duration
	stop   chan struct{}
	done   chan struct{}
}

// NewResponder binds a REP socket on a loopback ephemeral port and answers
// each request by passing its final frame to handle. A non-zero delay is
// applied before replying, for timeout tests.
func NewResponder(handle func(payload []byte) transport.Ack, delay time.Duration) (*Responder, error) {
	ctx, err := zmq.NewContext()
	if err != nil {
		return nil, err
	}
	sock, err := ctx.NewSocket(zmq.REP)
	if err != nil {
		return nil, err
	}
	if err := sock.SetLinger(0); err != nil {
		_ = sock.Close()
		return nil, err
	}
	if err := sock.Bind("tcp://127.0.0.1:*"); err != nil {
		_ = sock.Close()
		return nil, err
	}
	addr, err := sock.GetLastEndpoint()
	if err != nil {
		_ = sock.Close()
		return nil, err
	}

	r := &Responder{
		Addr:   addr,
		ctx:    ctx,
		sock:   sock,
		handle: handle,
		delay:  delay,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go r.serve()
	return r, nil
}

// serve answers requests until Stop.
func (r *Responder) serve() {
	defer close(r.done)

	poller := zmq.NewPoller()
	poller.Add(r.sock, zmq.POLLIN)

	for {
		select {
		case <-r.stop:
			return
		default:
		}

		polled, err := poller.Poll(50 * time.Millisecond)
		if err != nil {
			return
		}
		if len(polled) == 0 {
			continue
		}

		frames, err := r.sock.RecvMessageBytes(0)
		if err != nil {
			continue
		}

		ack := transport.Ack{OK: true}
		if r.handle != nil {
			ack = r.handle(frames[len(frames)-1])
		}
		if r.delay > 0 {
			time.Sleep(r.delay)
		}

		reply, err := json.Marshal(ack)
		if err != nil {
			reply = []byte(`{"ok":false,"error":"responder marshal failure"}`)
		}
		_, _ = r.sock.SendBytes(reply, 0)
	}
}

// Stop shuts the responder down.
func (r *Responder) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	<-r.done
	_ = r.sock.Close()
	_ = r.ctx.Term()
}
