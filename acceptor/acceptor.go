// Package acceptor implements the listen-and-dispatch half of the proxy
// described in SPEC_FULL.md §4.3: a single non-blocking listener that
// round-robins newly accepted clients, each paired with a non-blocking
// dial to the backend, across a fixed set of Workers.
package acceptor

import (
	"fmt"
	"log"
	"net"

	"golang.org/x/sys/unix"

	"github.com/gopgproxy/pgproxy/metrics"
)

// Target dispatches an accepted client, paired with its own dial to the
// backend, to a Worker. worker.Worker satisfies this via its Assign method.
type Target interface {
	Assign(clientFD, backendFD int)
}

// Acceptor owns the listening socket and its own epoll instance, kept
// separate from every Worker's so a slow Worker never delays accepts.
type Acceptor struct {
	listenFD    int
	epollFD     int
	backendIP   [4]byte
	backendPort int

	workers []Target
	next    int
}

// New binds and listens on port, non-blocking, and prepares to dial
// backendHost:backendPort for each accepted client. workers must contain
// at least one target; clients are handed out round-robin.
func New(port int, backendHost string, backendPort int, workers []Target) (*Acceptor, error) {
	if len(workers) == 0 {
		return nil, fmt.Errorf("acceptor: at least one worker required")
	}

	ip, err := resolveIPv4(backendHost)
	if err != nil {
		return nil, fmt.Errorf("acceptor: resolve backend host %s: %w", backendHost, err)
	}

	listenFD, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("acceptor: socket: %w", err)
	}
	if err := unix.SetsockoptInt(listenFD, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(listenFD)
		return nil, fmt.Errorf("acceptor: setsockopt SO_REUSEADDR: %w", err)
	}
	addr := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(listenFD, addr); err != nil {
		unix.Close(listenFD)
		return nil, fmt.Errorf("acceptor: bind :%d: %w", port, err)
	}
	if err := unix.Listen(listenFD, unix.SOMAXCONN); err != nil {
		unix.Close(listenFD)
		return nil, fmt.Errorf("acceptor: listen: %w", err)
	}
	if err := unix.SetNonblock(listenFD, true); err != nil {
		unix.Close(listenFD)
		return nil, fmt.Errorf("acceptor: set listen fd nonblocking: %w", err)
	}

	epollFD, err := unix.EpollCreate1(0)
	if err != nil {
		unix.Close(listenFD)
		return nil, fmt.Errorf("acceptor: epoll_create1: %w", err)
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(listenFD)}
	if err := unix.EpollCtl(epollFD, unix.EPOLL_CTL_ADD, listenFD, ev); err != nil {
		unix.Close(listenFD)
		unix.Close(epollFD)
		return nil, fmt.Errorf("acceptor: epoll_ctl add listen fd: %w", err)
	}

	return &Acceptor{
		listenFD:    listenFD,
		epollFD:     epollFD,
		backendIP:   ip,
		backendPort: backendPort,
		workers:     workers,
	}, nil
}

// resolveIPv4 accepts numeric IPv4 addresses only; the backend_host
// argument is not resolved as a hostname (SPEC_FULL.md §10, Open
// Question 2).
func resolveIPv4(host string) ([4]byte, error) {
	var out [4]byte
	ip := net.ParseIP(host)
	if ip == nil {
		return out, fmt.Errorf("%q is not a numeric IP address", host)
	}
	v4 := ip.To4()
	if v4 == nil {
		return out, fmt.Errorf("%q is not an IPv4 address", host)
	}
	copy(out[:], v4)
	return out, nil
}

// Run blocks, accepting clients until stop is closed.
func (a *Acceptor) Run(stop <-chan struct{}) error {
	events := make([]unix.EpollEvent, 16)
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		n, err := unix.EpollWait(a.epollFD, events, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			select {
			case <-stop:
				return nil
			default:
			}
			return fmt.Errorf("acceptor: epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			if int(events[i].Fd) == a.listenFD {
				a.acceptAll()
			}
		}
	}
}

// acceptAll drains the listen backlog until EAGAIN. The listen fd is
// registered level-triggered, so anything left unaccepted is reported
// again on the next EpollWait.
func (a *Acceptor) acceptAll() {
	for {
		clientFD, _, err := unix.Accept(a.listenFD)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			if err == unix.EINTR {
				continue
			}
			log.Printf("[acceptor] accept failed: %v", err)
			return
		}
		if err := unix.SetNonblock(clientFD, true); err != nil {
			log.Printf("[acceptor] set client fd nonblocking failed: %v", err)
			unix.Close(clientFD)
			continue
		}

		backendFD, err := a.dialBackend()
		if err != nil {
			log.Printf("[acceptor] backend dial failed: %v", err)
			metrics.BackendConnectFailures.Inc()
			unix.Close(clientFD)
			continue
		}

		w := a.workers[a.next]
		a.next = (a.next + 1) % len(a.workers)
		w.Assign(clientFD, backendFD)
	}
}

// dialBackend issues a non-blocking connect. Per the Required Change in
// SPEC_FULL.md §4.3, completion (success or failure) is confirmed by the
// owning Worker on the fd's first write-readiness via SO_ERROR, not here.
func (a *Acceptor) dialBackend() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set nonblocking: %w", err)
	}

	addr := &unix.SockaddrInet4{Port: a.backendPort, Addr: a.backendIP}
	err = unix.Connect(fd, addr)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, fmt.Errorf("connect: %w", err)
	}
	return fd, nil
}

// Close releases the listening socket and epoll instance.
func (a *Acceptor) Close() error {
	unix.EpollCtl(a.epollFD, unix.EPOLL_CTL_DEL, a.listenFD, nil)
	unix.Close(a.epollFD)
	return unix.Close(a.listenFD)
}
