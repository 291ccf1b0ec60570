// Package protocol implements the inline and multi-bulk framings used on
// the proxy's listening socket, including the pipeline-splitting rule
// that turns one client read containing several commands into a chain of
// linked Request objects.
package protocol

import (
	"errors"

	"github.com/tindra/clusterproxy/internal/request"
)

// minGrow amortizes argument-vector growth.
const minGrow = 10

var errMissingBulkMarker = errors.New("protocol: expected '$'")

// Parser incrementally decodes one client's byte stream into a sequence
// of completed Requests, splitting pipelined reads as they arrive.
type Parser struct {
	arena    *request.Arena
	clientID uint64
	cur      *request.Request
}

// NewParser creates a parser for one client, allocating requests from arena.
func NewParser(arena *request.Arena, clientID uint64) *Parser {
	return &Parser{arena: arena, clientID: clientID, cur: arena.New(clientID, nil)}
}

// Feed appends newly-read bytes to the request under construction and
// returns every Request that became fully parsed as a result, in order.
// An empty, nil-error result means the in-progress request is still
// INCOMPLETE and needs more bytes.
func (p *Parser) Feed(data []byte) ([]*request.Request, error) {
	p.cur.Raw = append(p.cur.Raw, data...)

	var completed []*request.Request
	for {
		state, args, consumed, err := parseBuffer(p.cur.Raw)
		if err != nil {
			p.cur.State = request.StateError
			return completed, err
		}
		if state == incomplete {
			p.cur.State = request.StateIncomplete
			return completed, nil
		}

		done := p.cur
		done.Args = args
		done.State = request.StateOK
		tail := done.Raw[consumed:]
		done.Raw = done.Raw[:consumed]
		completed = append(completed, done)

		next := p.arena.New(p.clientID, append([]byte(nil), tail...))
		p.arena.Link(done, next)
		p.cur = next

		if len(tail) == 0 {
			return completed, nil
		}
		// tail may itself hold one or more complete pipelined commands;
		// loop to keep splitting rather than waiting for more bytes.
	}
}

// Current returns the request presently under construction (possibly
// still empty, possibly INCOMPLETE), for callers that track per-client
// parse-queue membership directly.
func (p *Parser) Current() *request.Request { return p.cur }

// parseState is parseBuffer's outcome.
type parseState int

const (
	incomplete parseState = iota
	ok
)

// parseBuffer attempts to decode exactly one command from the front of
// buf. It returns the byte count consumed (valid only when state == ok)
// and the argument offset/length slice into buf.
func parseBuffer(buf []byte) (parseState, []request.Arg, int, error) {
	if len(buf) == 0 {
		return incomplete, nil, 0, nil
	}
	if buf[0] == '*' {
		return parseMultiBulk(buf)
	}
	return parseInline(buf)
}

func parseMultiBulk(buf []byte) (parseState, []request.Arg, int, error) {
	lineEnd, found := findCRLF(buf, 1)
	if !found {
		return incomplete, nil, 0, nil
	}
	n, err := parseInt(buf[1:lineEnd])
	if err != nil {
		return 0, nil, 0, err
	}
	if n < 0 {
		n = 0
	}
	cursor := lineEnd + 2
	args := make([]request.Arg, 0, minGrow)
	for i := 0; i < n; i++ {
		if i >= cap(args) {
			grown := make([]request.Arg, len(args), cap(args)+minGrow)
			copy(grown, args)
			args = grown
		}
		if cursor >= len(buf) {
			return incomplete, nil, 0, nil
		}
		if buf[cursor] != '$' {
			return 0, nil, 0, errMissingBulkMarker
		}
		lenEnd, found := findCRLF(buf, cursor+1)
		if !found {
			return incomplete, nil, 0, nil
		}
		length, err := parseInt(buf[cursor+1 : lenEnd])
		if err != nil {
			return 0, nil, 0, err
		}
		if length < 0 {
			length = 0
		}
		dataStart := lenEnd + 2
		dataEnd := dataStart + length
		if dataEnd+2 > len(buf) {
			return incomplete, nil, 0, nil
		}
		if buf[dataEnd] != '\r' || buf[dataEnd+1] != '\n' {
			return 0, nil, 0, errMissingBulkMarker
		}
		args = append(args, request.Arg{Offset: dataStart, Length: length})
		cursor = dataEnd + 2
	}
	return ok, args, cursor, nil
}

func parseInline(buf []byte) (parseState, []request.Arg, int, error) {
	nl := -1
	for i, b := range buf {
		if b == '\n' {
			nl = i
			break
		}
	}
	if nl < 0 {
		return incomplete, nil, 0, nil
	}
	lineLen := nl
	if lineLen > 0 && buf[lineLen-1] == '\r' {
		lineLen--
	}
	args := make([]request.Arg, 0, minGrow)
	i := 0
	for i < lineLen {
		for i < lineLen && buf[i] == ' ' {
			i++
		}
		if i >= lineLen {
			break
		}
		start := i
		for i < lineLen && buf[i] != ' ' {
			i++
		}
		if len(args) == cap(args) {
			grown := make([]request.Arg, len(args), cap(args)+minGrow)
			copy(grown, args)
			args = grown
		}
		args = append(args, request.Arg{Offset: start, Length: i - start})
	}
	return ok, args, nl + 1, nil
}

// findCRLF locates the first "\r\n" at or after from, returning the index
// of the '\r'.
func findCRLF(buf []byte, from int) (int, bool) {
	for i := from; i+1 < len(buf); i++ {
		if buf[i] == '\r' && buf[i+1] == '\n' {
			return i, true
		}
	}
	return 0, false
}

func parseInt(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, errors.New("protocol: empty integer field")
	}
	neg := false
	i := 0
	if b[0] == '-' {
		neg = true
		i++
	}
	if i >= len(b) {
		return 0, errors.New("protocol: malformed integer field")
	}
	n := 0
	for ; i < len(b); i++ {
		if b[i] < '0' || b[i] > '9' {
			return 0, errors.New("protocol: malformed integer field")
		}
		n = n*10 + int(b[i]-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}
