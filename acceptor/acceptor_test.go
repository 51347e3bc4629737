package acceptor

import (
	"net"
	"strconv"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

type fakeWorker struct {
	assigned []int
}

func (f *fakeWorker) Assign(clientFD, backendFD int) {
	f.assigned = append(f.assigned, clientFD)
	unix.Close(backendFD)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestRoundRobinsAcrossWorkers(t *testing.T) {
	backendLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() backend error = %v", err)
	}
	defer backendLn.Close()
	go func() {
		for {
			c, err := backendLn.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	backendPort := backendLn.Addr().(*net.TCPAddr).Port

	w0, w1 := &fakeWorker{}, &fakeWorker{}
	port := freePort(t)
	a, err := New(port, "127.0.0.1", backendPort, []Target{w0, w1})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()

	stop := make(chan struct{})
	go a.Run(stop)
	defer close(stop)

	for i := 0; i < 4; i++ {
		c, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
		if err != nil {
			t.Fatalf("Dial() #%d error = %v", i, err)
		}
		defer c.Close()
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(w0.assigned)+len(w1.assigned) < 4 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d/%d connections dispatched", len(w0.assigned)+len(w1.assigned), 4)
		}
		time.Sleep(time.Millisecond)
	}

	if len(w0.assigned) != 2 || len(w1.assigned) != 2 {
		t.Fatalf("round robin uneven: w0=%d w1=%d", len(w0.assigned), len(w1.assigned))
	}
}

func TestNewRejectsEmptyWorkerSet(t *testing.T) {
	port := freePort(t)
	if _, err := New(port, "127.0.0.1", port, nil); err == nil {
		t.Fatalf("New() with no workers should error")
	}
}
