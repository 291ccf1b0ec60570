// Package routing derives the routing decision for a parsed request:
// command table lookup, key/slot extraction, cross-slot rejection, and
// shard selection.
package routing

import (
	"github.com/tindra/clusterproxy/internal/appErr"
	"github.com/tindra/clusterproxy/internal/command"
	"github.com/tindra/clusterproxy/internal/request"
	"github.com/tindra/clusterproxy/internal/slotmap"
)

// Decision is the outcome of routing one request.
type Decision struct {
	Shard *slotmap.Shard
	Slot  slotmap.Slot
}

// Route resolves req against activeMap (the client's private map when in
// private mode, else the shared map). req.Args holds offset/length
// slices into req's raw buffer.
func Route(req *request.Request, activeMap *slotmap.Map) (Decision, error) {
	if len(req.Args) == 0 {
		return Decision{}, appErr.New(appErr.CodeProtocol, "empty request")
	}

	name := string(argBytes(req, 0))
	info, found := command.Lookup(name)
	if !found || info.Unsupported || (info.Arity != 1 && info.FirstKey == 0) {
		return Decision{}, appErr.Newf(appErr.CodeUnsupported, "Unsupported command: '%s'", name)
	}

	if info.Arity == 1 {
		shard, ok := activeMap.FirstShard()
		if !ok {
			return Decision{}, appErr.New(appErr.CodeRoute, "no shard available")
		}
		return Decision{Shard: shard}, nil
	}

	argc := len(req.Args)
	last := info.LastKeyIndex(argc)
	if last > argc-1 {
		last = argc - 1
	}

	var resolved *slotmap.Shard
	var resolvedSlot slotmap.Slot
	for i := info.FirstKey; i <= last; i += info.KeyStep {
		key := argBytes(req, i)
		slot := slotmap.KeySlot(key)
		shard := activeMap.ShardForSlot(slot)
		if resolved == nil {
			resolved = shard
			resolvedSlot = slot
			continue
		}
		if shard.Name != resolved.Name {
			return Decision{}, appErr.New(appErr.CodeCrossSlot, "Queries with keys belonging to different nodes are not supported")
		}
	}
	return Decision{Shard: resolved, Slot: resolvedSlot}, nil
}

func argBytes(req *request.Request, i int) []byte {
	a := req.Args[i]
	return req.Raw[a.Offset : a.Offset+a.Length]
}

// SameSlot reports whether two already-routed requests (Slot set from
// their Decision) target the same slot. The scheduler makes the same
// comparison inline to hold a pipelined send back once its predecessor
// targeted a different slot.
func SameSlot(a, b *request.Request) bool {
	return a.Slot == b.Slot
}
