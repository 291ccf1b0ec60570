package upstream

import (
	"bufio"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/tindra/clusterproxy/internal/slotmap"
)

// fakeNode starts a listener that accepts one connection, optionally
// requires AUTH, then echoes whatever it reads back verbatim.
func fakeNode(t *testing.T, wantAuth string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		if wantAuth != "" {
			for i := 0; i < 5; i++ {
				if _, err := br.ReadString('\n'); err != nil {
					return
				}
			}
			conn.Write([]byte("+OK\r\n"))
		}
		buf := make([]byte, 4096)
		for {
			n, err := br.Read(buf)
			if n > 0 {
				if _, werr := conn.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func shardAt(t *testing.T, addr string) *slotmap.Shard {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	m := slotmap.NewMap()
	s := m.AddShard("s")
	s.IP = host
	p, err := strconv.Atoi(port)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	s.Port = p
	return s
}

func TestConnDialWithoutAuth(t *testing.T) {
	addr := fakeNode(t, "")
	shard := shardAt(t, addr)
	c := New(shard, "", nil)

	if err := c.Dial(); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if !c.Connected() {
		t.Fatal("expected Connected() == true after Dial")
	}
}

func TestConnDialWithAuth(t *testing.T) {
	addr := fakeNode(t, "secret")
	shard := shardAt(t, addr)
	c := New(shard, "secret", nil)

	if err := c.Dial(); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if !c.Connected() {
		t.Fatal("expected Connected() == true after Dial")
	}
}

func TestConnWriteReadEcho(t *testing.T) {
	addr := fakeNode(t, "")
	shard := shardAt(t, addr)
	c := New(shard, "", nil)
	if err := c.Dial(); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	msg := []byte("*1\r\n$4\r\nPING\r\n")
	if _, err := c.Write(msg); err != nil {
		t.Fatalf("Write: %v", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len(msg))
	n, err := c.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != string(msg) {
		t.Errorf("echo = %q, want %q", buf[:n], msg)
	}
}

func TestConnTryReconnectOnce(t *testing.T) {
	addr := fakeNode(t, "")
	shard := shardAt(t, addr)
	c := New(shard, "", nil)
	if err := c.Dial(); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if !c.TryReconnect() {
		t.Fatal("first TryReconnect should succeed")
	}
	if c.Connected() {
		t.Fatal("TryReconnect should have closed the connection")
	}
	if c.TryReconnect() {
		t.Fatal("second TryReconnect in the same episode should fail")
	}

	// A fresh successful Dial resets the one-shot reconnect flag.
	if err := c.Dial(); err != nil {
		t.Fatalf("redial: %v", err)
	}
	if !c.TryReconnect() {
		t.Fatal("TryReconnect should succeed again after a fresh Dial")
	}
}

func TestPoolSlotLazyCreateAndReuse(t *testing.T) {
	m := slotmap.NewMap()
	shard := m.AddShard("s")
	shard.IP, shard.Port = "127.0.0.1", 9 // unused; Slot never dials

	p := NewPool(4, "", nil)
	c1 := p.Slot(shard, 0)
	c2 := p.Slot(shard, 0)
	if c1 != c2 {
		t.Error("Slot should return the same Conn for the same (shard, workerID)")
	}
	c3 := p.Slot(shard, 1)
	if c1 == c3 {
		t.Error("Slot should return distinct Conns for distinct workerIDs")
	}
	bootstrap := p.Slot(shard, 4) // workers==4 -> bootstrap slot index 4
	if bootstrap == c1 {
		t.Error("bootstrap slot should be distinct from worker slots")
	}
}

// scriptedNode starts a listener that accepts one connection and then
// writes each byte slice in writes as a separate conn.Write call, with a
// short pause in between so the kernel can't coalesce them back together.
func scriptedNode(t *testing.T, writes [][]byte, pause time.Duration) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for _, w := range writes {
			if _, err := conn.Write(w); err != nil {
				return
			}
			if pause > 0 {
				time.Sleep(pause)
			}
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestConnReadReplySplitAcrossTwoReads(t *testing.T) {
	full := []byte("$5\r\nhello\r\n")
	addr := scriptedNode(t, [][]byte{full[:4], full[4:]}, 50*time.Millisecond)
	shard := shardAt(t, addr)
	c := New(shard, "", nil)
	if err := c.Dial(); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	frame, err := c.ReadReply()
	if err != nil {
		t.Fatalf("ReadReply: %v", err)
	}
	if string(frame) != string(full) {
		t.Errorf("ReadReply = %q, want %q", frame, full)
	}
}

func TestConnReadReplyCoalescedInOneRead(t *testing.T) {
	first := []byte("+OK\r\n")
	second := []byte(":42\r\n")
	addr := scriptedNode(t, [][]byte{append(append([]byte(nil), first...), second...)}, 0)
	shard := shardAt(t, addr)
	c := New(shard, "", nil)
	if err := c.Dial(); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	frame1, err := c.ReadReply()
	if err != nil {
		t.Fatalf("ReadReply #1: %v", err)
	}
	if string(frame1) != string(first) {
		t.Errorf("ReadReply #1 = %q, want %q", frame1, first)
	}

	frame2, err := c.ReadReply()
	if err != nil {
		t.Fatalf("ReadReply #2: %v", err)
	}
	if string(frame2) != string(second) {
		t.Errorf("ReadReply #2 = %q, want %q", frame2, second)
	}
}

func TestConnReadReplyArrayAndNilBulk(t *testing.T) {
	full := []byte("*2\r\n$-1\r\n:7\r\n")
	addr := scriptedNode(t, [][]byte{full}, 0)
	shard := shardAt(t, addr)
	c := New(shard, "", nil)
	if err := c.Dial(); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	frame, err := c.ReadReply()
	if err != nil {
		t.Fatalf("ReadReply: %v", err)
	}
	if string(frame) != string(full) {
		t.Errorf("ReadReply = %q, want %q", frame, full)
	}
}

func TestBackoffWithinBounds(t *testing.T) {
	min := 10 * time.Millisecond
	max := 500 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := Backoff(min, max)
		if d < min {
			t.Errorf("Backoff = %v, want >= %v", d, min)
		}
		if d > max {
			t.Errorf("Backoff = %v, want <= %v", d, max)
		}
	}
}
