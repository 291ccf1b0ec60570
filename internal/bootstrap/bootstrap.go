// Package bootstrap fetches CLUSTER NODES from a seed node once at
// startup and builds the immutable-after-boot slot map.
package bootstrap

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/tindra/clusterproxy/internal/appErr"
	"github.com/tindra/clusterproxy/internal/slotmap"
)

const dialTimeout = 10 * time.Second

// Discover connects to seed (host:port), issues CLUSTER NODES, parses
// the text reply, and returns a finalized slot map. Any failure here is
// fatal: the caller should log it and exit rather than start up with an
// incomplete view of the cluster.
func Discover(seed, auth string) (*slotmap.Map, error) {
	conn, err := net.DialTimeout("tcp", seed, dialTimeout)
	if err != nil {
		return nil, appErr.Wrap(appErr.CodeBootstrap, "could not reach seed node", err)
	}
	defer conn.Close()

	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)

	if auth != "" {
		if _, err := bw.WriteString(fmt.Sprintf("*2\r\n$4\r\nAUTH\r\n$%d\r\n%s\r\n", len(auth), auth)); err != nil {
			return nil, appErr.Wrap(appErr.CodeBootstrap, "auth write failed", err)
		}
		if err := bw.Flush(); err != nil {
			return nil, appErr.Wrap(appErr.CodeBootstrap, "auth flush failed", err)
		}
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, appErr.Wrap(appErr.CodeBootstrap, "auth read failed", err)
		}
		if len(line) == 0 || line[0] != '+' {
			return nil, appErr.New(appErr.CodeBootstrap, "seed node rejected auth")
		}
	}

	if _, err := bw.WriteString("*2\r\n$7\r\nCLUSTER\r\n$5\r\nNODES\r\n"); err != nil {
		return nil, appErr.Wrap(appErr.CodeBootstrap, "cluster nodes write failed", err)
	}
	if err := bw.Flush(); err != nil {
		return nil, appErr.Wrap(appErr.CodeBootstrap, "cluster nodes flush failed", err)
	}

	body, err := readBulkReply(br)
	if err != nil {
		return nil, appErr.Wrap(appErr.CodeBootstrap, "failed to read CLUSTER NODES reply", err)
	}

	m := slotmap.NewMap()
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if err := parseNodeLine(m, line); err != nil {
			return nil, appErr.Wrap(appErr.CodeBootstrap, "failed to parse CLUSTER NODES line", err)
		}
	}
	if err := m.Finalize(); err != nil {
		return nil, appErr.Wrap(appErr.CodeBootstrap, "slot map incomplete after bootstrap", err)
	}
	return m, nil
}

// readBulkReply reads one RESP bulk-string reply ("$<len>\r\n<data>\r\n").
func readBulkReply(br *bufio.Reader) (string, error) {
	header, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	header = strings.TrimRight(header, "\r\n")
	if len(header) == 0 || header[0] != '$' {
		return "", fmt.Errorf("unexpected reply header %q", header)
	}
	n, err := strconv.Atoi(header[1:])
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", nil
	}
	buf := make([]byte, n+2) // data + trailing CRLF
	if _, err := readFull(br, buf); err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

func readFull(br *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := br.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// parseNodeLine parses one "name addr flags master_id ping pong epoch
// link-state [slots...]" line from CLUSTER NODES.
func parseNodeLine(m *slotmap.Map, line string) error {
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return fmt.Errorf("malformed node line: %q", line)
	}
	name, addr, flags := fields[0], fields[1], fields[2]

	hostPort := addr
	if at := strings.IndexByte(addr, '@'); at >= 0 {
		hostPort = addr[:at]
	}
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return fmt.Errorf("bad address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("bad port %q: %w", portStr, err)
	}

	shard := m.AddShard(name)
	shard.IP = host
	shard.Port = port
	shard.Replica = strings.Contains(flags, "slave") || (fields[3] != "-" && fields[3] != "")

	for _, tok := range fields[8:] {
		if err := parseSlotToken(m, shard, tok); err != nil {
			return err
		}
	}
	return nil
}

// parseSlotToken handles a single slot, slot range, or migrate/import
// marker from the trailing fields of a CLUSTER NODES line.
func parseSlotToken(m *slotmap.Map, shard *slotmap.Shard, tok string) error {
	if strings.HasPrefix(tok, "[") {
		return parseMigrationMarker(shard, strings.Trim(tok, "[]"))
	}
	if dash := strings.IndexByte(tok, '-'); dash > 0 {
		lo, err := strconv.Atoi(tok[:dash])
		if err != nil {
			return err
		}
		hi, err := strconv.Atoi(tok[dash+1:])
		if err != nil {
			return err
		}
		for s := lo; s <= hi; s++ {
			shard.AddSlot(slotmap.Slot(s))
		}
		return nil
	}
	n, err := strconv.Atoi(tok)
	if err != nil {
		return err
	}
	shard.AddSlot(slotmap.Slot(n))
	return nil
}

// parseMigrationMarker handles "<slot>->-<dest>" (migrating out) and
// "<slot>-<-<src>" (importing in); recorded informationally, never acted
// on (live slot-map refresh is out of scope).
func parseMigrationMarker(shard *slotmap.Shard, body string) error {
	if i := strings.Index(body, "->-"); i >= 0 {
		slotNum, err := strconv.Atoi(body[:i])
		if err != nil {
			return err
		}
		dest := body[i+3:]
		shard.AddMigrating(slotmap.SlotRange{Slot: slotmap.Slot(slotNum), Dest: dest})
		return nil
	}
	if i := strings.Index(body, "-<-"); i >= 0 {
		slotNum, err := strconv.Atoi(body[:i])
		if err != nil {
			return err
		}
		src := body[i+3:]
		shard.AddImporting(slotmap.SlotRange{Slot: slotmap.Slot(slotNum), Src: src})
		return nil
	}
	return fmt.Errorf("unrecognized migration marker %q", body)
}
