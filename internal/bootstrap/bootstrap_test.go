package bootstrap

import (
	"bufio"
	"fmt"
	"net"
	"testing"
)

// fakeSeed starts a local listener that replies to one CLUSTER NODES
// request with body, then closes. Returns the listener address.
func fakeSeed(t *testing.T, body string) string {
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
		// Discard the "CLUSTER NODES" multi-bulk request line-by-line.
		for i := 0; i < 5; i++ {
			if _, err := br.ReadString('\n'); err != nil {
				return
			}
		}
		fmt.Fprintf(conn, "$%d\r\n%s\r\n", len(body), body)
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestDiscoverTwoShardsFullCoverage(t *testing.T) {
	body := "07c37dfeb235213a872192d90877d0cd55635b91 127.0.0.1:30001@31001 master - 0 0 1 connected 0-8191\n" +
		"67ed2db8d677e59ec4a4cefb06858cf2a1a89fa1 127.0.0.1:30002@31002 master - 0 0 2 connected 8192-16383\n"
	addr := fakeSeed(t, body)

	m, err := Discover(addr, "")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	shards := m.Shards()
	if len(shards) != 2 {
		t.Fatalf("got %d shards, want 2", len(shards))
	}
}

func TestDiscoverMissingCoverageFails(t *testing.T) {
	body := "07c37dfeb235213a872192d90877d0cd55635b91 127.0.0.1:30001@31001 master - 0 0 1 connected 0-8191\n"
	addr := fakeSeed(t, body)

	if _, err := Discover(addr, ""); err == nil {
		t.Fatal("expected an error when slots do not cover the full range")
	}
}

func TestDiscoverParsesReplicaFlag(t *testing.T) {
	body := "07c37dfeb235213a872192d90877d0cd55635b91 127.0.0.1:30001@31001 master - 0 0 1 connected 0-16383\n" +
		"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa 127.0.0.1:30002@31002 slave 07c37dfeb235213a872192d90877d0cd55635b91 0 0 1 connected\n"
	addr := fakeSeed(t, body)

	m, err := Discover(addr, "")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	replica, ok := m.Shard("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	if !ok {
		t.Fatal("replica shard not registered")
	}
	if !replica.Replica {
		t.Error("expected replica flag to be set")
	}
}

func TestDiscoverUnreachableSeed(t *testing.T) {
	if _, err := Discover("127.0.0.1:1", ""); err == nil {
		t.Fatal("expected an error dialing an unreachable seed")
	}
}
