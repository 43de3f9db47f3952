// Package bustest provides an in-memory bus.Conn for tests.
package bustest

import (
	"errors"
	"sync"

	"github.com/nats-io/nats.go"
)

// Published is a message captured by Conn.Publish.
type Published struct {
	Subject string
	Data    []byte
}

// Conn records publishes and lets tests inject inbound messages.
type Conn struct {
	mu         sync.Mutex
	subs       map[string][]chan *nats.Msg
	published  []Published
	publishErr error
	drained    bool
	closed     bool
}

func NewConn() *Conn {
	return &Conn{subs: make(map[string][]chan *nats.Msg)}
}

// FailPublish makes every subsequent Publish return err.
func (c *Conn) FailPublish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishErr = err
}

func (c *Conn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.drained {
		return nats.ErrConnectionClosed
	}
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, Published{Subject: subject, Data: append([]byte(nil), data...)})
	return nil
}

func (c *Conn) ChanSubscribe(subject string, ch chan *nats.Msg) (*nats.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.drained {
		return nil, nats.ErrConnectionClosed
	}
	c.subs[subject] = append(c.subs[subject], ch)
	return nil, nil
}

// Deliver pushes a raw message to every subscriber of subject.
func (c *Conn) Deliver(subject string, data []byte) error {
	c.mu.Lock()
	if c.drained || c.closed {
		c.mu.Unlock()
		return errors.New("bustest: connection draining")
	}
	chans := append([]chan *nats.Msg(nil), c.subs[subject]...)
	c.mu.Unlock()

	for _, ch := range chans {
		ch <- &nats.Msg{Subject: subject, Data: data}
	}
	return nil
}

// Published returns a copy of every message published so far.
func (c *Conn) Published() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.published...)
}

// PublishedOn returns the messages published on subject.
func (c *Conn) PublishedOn(subject string) []Published {
	var out []Published
	for _, p := range c.Published() {
		if p.Subject == subject {
			out = append(out, p)
		}
	}
	return out
}

func (c *Conn) Drain() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drained = true
	c.closed = true
	return nil
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}
