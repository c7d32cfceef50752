//go:build !linux

package ws

import (
	"net"
	"sync"
)

// loopPoller runs one blocking read loop per connection. It lets the server
// run on platforms without epoll.
type loopPoller struct {
	mu    sync.Mutex
	conns map[*Connection]struct{}
	read  func(*Connection)
}

func newPoller(_ int, read func(*Connection)) (poller, error) {
	return &loopPoller{conns: make(map[*Connection]struct{}), read: read}, nil
}

func (p *loopPoller) Add(c *Connection) error {
	p.mu.Lock()
	p.conns[c] = struct{}{}
	p.mu.Unlock()

	go func() {
		for p.registered(c) {
			select {
			case <-c.Done():
				return
			default:
			}
			p.read(c)
		}
	}()
	return nil
}

func (p *loopPoller) registered(c *Connection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.conns[c]
	return ok
}

func (p *loopPoller) Remove(c *Connection) error {
	p.mu.Lock()
	delete(p.conns, c)
	p.mu.Unlock()
	return nil
}

func (p *loopPoller) Run(done <-chan struct{}) error {
	<-done
	return nil
}

func (p *loopPoller) Close() error {
	p.mu.Lock()
	p.conns = make(map[*Connection]struct{})
	p.mu.Unlock()
	return nil
}

func socketFD(net.Conn) int {
	return -1
}
