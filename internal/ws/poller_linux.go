//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// epollPoller registers connection fds with epoll and hands ready connections
// to a bounded worker pool instead of parking a goroutine per connection.
type epollPoller struct {
	fd      int
	mu      sync.RWMutex
	conns   map[int]*Connection
	events  []unix.EpollEvent
	workers chan struct{}
	read    func(*Connection)
}

func newPoller(workers int, read func(*Connection)) (poller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = 1
	}
	return &epollPoller{
		fd:      fd,
		conns:   make(map[int]*Connection),
		events:  make([]unix.EpollEvent, 128),
		workers: make(chan struct{}, workers),
		read:    read,
	}, nil
}

func (p *epollPoller) Add(c *Connection) error {
	if c.Fd < 0 {
		return errors.New("ws: connection has no file descriptor")
	}
	if err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_ADD, c.Fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(c.Fd),
	}); err != nil {
		return err
	}

	p.mu.Lock()
	p.conns[c.Fd] = c
	p.mu.Unlock()
	return nil
}

func (p *epollPoller) Remove(c *Connection) error {
	p.mu.Lock()
	if cur, ok := p.conns[c.Fd]; ok && cur == c {
		delete(p.conns, c.Fd)
	}
	p.mu.Unlock()
	return unix.EpollCtl(p.fd, syscall.EPOLL_CTL_DEL, c.Fd, nil)
}

// Run waits for readiness until done is closed. The wait times out every
// 100ms so shutdown is noticed without an extra wakeup fd.
func (p *epollPoller) Run(done <-chan struct{}) error {
	for {
		select {
		case <-done:
			return nil
		default:
		}

		n, err := unix.EpollWait(p.fd, p.events, 100)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}

		p.mu.RLock()
		ready := make([]*Connection, 0, n)
		for i := 0; i < n; i++ {
			if c, ok := p.conns[int(p.events[i].Fd)]; ok {
				ready = append(ready, c)
			}
		}
		p.mu.RUnlock()

		for _, c := range ready {
			p.workers <- struct{}{}
			go func(c *Connection) {
				defer func() { <-p.workers }()
				p.read(c)
			}(c)
		}
	}
}

func (p *epollPoller) Close() error {
	p.mu.Lock()
	p.conns = make(map[int]*Connection)
	p.mu.Unlock()
	return unix.Close(p.fd)
}

// socketFD extracts the fd from conn through SyscallConn so the descriptor is
// not duplicated.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
