package flowmgr

import (
	"context"
	"net"
	"testing"
	"time"

	"proxyvpn/internal/model"
	"proxyvpn/internal/proxyconn"
)

// pipeListener hands back net.Pipe halves so tests don't need a real
// socket.
func newEnginePipe() (engine net.Conn, peer net.Conn) {
	return net.Pipe()
}

func testKey() model.FlowKey {
	return model.FlowKey{
		SrcIP:   [4]byte{10, 0, 0, 2},
		SrcPort: 55555,
		DstIP:   [4]byte{93, 184, 216, 34},
		DstPort: 443,
	}
}

// TestFlowOrdering proves that bytes the engine socket sends before the
// upstream connect completes are still delivered to the upstream in the
// order they were produced, ahead of anything sent after connect.
func TestFlowOrdering(t *testing.T) {
	engine, peer := newEnginePipe()
	defer peer.Close()

	upstreamServer, upstreamClient := net.Pipe()
	connectStarted := make(chan struct{})
	release := make(chan struct{})

	connector := func(ctx context.Context, ip net.IP, port uint16) (*proxyconn.Result, error) {
		close(connectStarted)
		<-release // hold the connect open until the test says go
		return &proxyconn.Result{Stream: upstreamClient}, nil
	}

	m := New(connector, false)
	m.Open(context.Background(), testKey(), engine)

	// Write two chunks from the engine side before upstream connects.
	go func() {
		peer.Write([]byte("first "))
		peer.Write([]byte("second "))
	}()

	<-connectStarted
	time.Sleep(20 * time.Millisecond) // let both writes land in the queue
	close(release)

	// Read everything the bridge forwards to the upstream server side.
	buf := make([]byte, 64)
	got := ""
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < len("first second third") && time.Now().Before(deadline) {
		upstreamServer.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, err := upstreamServer.Read(buf)
		if n > 0 {
			got += string(buf[:n])
		}
		if err != nil {
			if len(got) >= len("first second ") {
				break
			}
		}
		if len(got) == len("first second ") {
			peer.Write([]byte("third"))
		}
	}

	want := "first second third"
	if got != want {
		t.Fatalf("upstream received %q, want %q", got, want)
	}
}

func TestManagerOpenTracksFlow(t *testing.T) {
	engine, peer := newEnginePipe()
	defer peer.Close()

	block := make(chan struct{})
	connector := func(ctx context.Context, ip net.IP, port uint16) (*proxyconn.Result, error) {
		<-block
		return nil, context.Canceled
	}
	defer close(block)

	m := New(connector, false)
	key := testKey()
	m.Open(context.Background(), key, engine)

	if _, ok := m.Lookup(key); !ok {
		t.Fatal("expected flow to be registered immediately after Open")
	}
	if m.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", m.Count())
	}
}

// TestOnRejectHookFires proves a failed upstream connect is reported
// through the onReject hook with a reason bucketed from the
// proxyconn error, not silently dropped.
func TestOnRejectHookFires(t *testing.T) {
	engine, peer := newEnginePipe()
	defer peer.Close()

	connector := func(ctx context.Context, ip net.IP, port uint16) (*proxyconn.Result, error) {
		return nil, proxyconn.ErrConnectTimeout
	}

	m := New(connector, false)
	rejected := make(chan string, 1)
	m.SetHooks(nil, nil, nil, func(reason string) { rejected <- reason })

	m.Open(context.Background(), testKey(), engine)

	select {
	case reason := <-rejected:
		if reason != "timeout" {
			t.Fatalf("reason = %q, want %q", reason, "timeout")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for onReject")
	}
}

// TestOnBytesHookFiresBothDirections proves ObserveBytes-style hooks
// see traffic in both directions, not just flow open/close.
func TestOnBytesHookFiresBothDirections(t *testing.T) {
	engine, peer := newEnginePipe()
	defer peer.Close()

	upstreamServer, upstreamClient := net.Pipe()
	connector := func(ctx context.Context, ip net.IP, port uint16) (*proxyconn.Result, error) {
		return &proxyconn.Result{Stream: upstreamClient}, nil
	}

	m := New(connector, false)
	toUp := make(chan int, 8)
	fromUp := make(chan int, 8)
	m.SetHooks(nil, nil, func(toUpstream bool, n int) {
		if toUpstream {
			toUp <- n
		} else {
			fromUp <- n
		}
	}, nil)

	m.Open(context.Background(), testKey(), engine)

	go peer.Write([]byte("ping"))
	buf := make([]byte, 16)
	n, err := upstreamServer.Read(buf)
	if err != nil {
		t.Fatalf("upstream read: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("upstream got %q, want %q", buf[:n], "ping")
	}
	select {
	case got := <-toUp:
		if got != 4 {
			t.Fatalf("toUpstream bytes = %d, want 4", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for toUpstream onBytes")
	}

	go upstreamServer.Write([]byte("pong!"))
	n, err = peer.Read(buf)
	if err != nil {
		t.Fatalf("engine peer read: %v", err)
	}
	if string(buf[:n]) != "pong!" {
		t.Fatalf("engine peer got %q, want %q", buf[:n], "pong!")
	}
	select {
	case got := <-fromUp:
		if got != 5 {
			t.Fatalf("fromUpstream bytes = %d, want 5", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fromUpstream onBytes")
	}
}
