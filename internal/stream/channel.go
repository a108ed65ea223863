package stream

import (
	"errors"
	"sync"
)

var (
	ErrClosed          = errors.New("event channel closed")
	ErrAlreadyAttached = errors.New("event channel already has a consumer")
	ErrDetached        = errors.New("event channel consumer detached, read the ledger instead")
)

type attachState int

const (
	stateIdle attachState = iota
	stateAttached
	stateDetached
)

// Channel 单会话事件通道：一个生产者，至多一个在线消费者。
// Send 从不阻塞；首个消费者接入前的事件会缓存；消费者断开后不再投递，
// 重新接入返回 ErrDetached。
type Channel struct {
	mu       sync.Mutex
	queue    []Envelope
	seq      uint64
	closed   bool
	state    attachState
	notify   chan struct{}
	detachCh chan struct{}
}

// NewChannel 创建事件通道
func NewChannel() *Channel {
	return &Channel{
		notify:   make(chan struct{}, 1),
		detachCh: make(chan struct{}),
	}
}

// Send 追加事件并分配序号。消费者已断开时事件被丢弃，返回 nil。
func (c *Channel) Send(ev Envelope) (Envelope, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ev, ErrClosed
	}
	c.seq++
	ev.Seq = c.seq
	if c.state != stateDetached {
		c.queue = append(c.queue, ev)
	}
	c.mu.Unlock()

	c.signal()
	return ev, nil
}

// Close 关闭通道，消费者读完剩余事件后其接收通道被关闭
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.signal()
}

// Closed 通道是否已关闭
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Attach 接入唯一的在线消费者
func (c *Channel) Attach() (<-chan Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateAttached:
		return nil, ErrAlreadyAttached
	case stateDetached:
		return nil, ErrDetached
	}
	c.state = stateAttached

	out := make(chan Envelope)
	go c.pump(out)
	return out, nil
}

// Detach 断开在线消费者，之后的事件不再投递
func (c *Channel) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateDetached {
		return
	}
	if c.state == stateAttached {
		close(c.detachCh)
	}
	c.state = stateDetached
	c.queue = nil
}

func (c *Channel) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// pump 按顺序把队列中的事件交给消费者
func (c *Channel) pump(out chan<- Envelope) {
	defer close(out)
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			ev := c.queue[0]
			c.queue[0] = Envelope{}
			c.queue = c.queue[1:]
			c.mu.Unlock()

			select {
			case out <- ev:
			case <-c.detachCh:
				return
			}
			continue
		}
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		select {
		case <-c.notify:
		case <-c.detachCh:
			return
		}
	}
}
