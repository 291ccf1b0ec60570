// Package command holds the static command metadata table used by the
// routing layer to locate key arguments within a parsed request.
package command

import "strings"

// Info describes how to locate the key argument(s) of one command.
type Info struct {
	Name          string
	FirstKey      int // index of the first key argument, 0 if keyless
	LastKey       int // index of the last key argument; negative counts from the end (argc+LastKey)
	KeyStep       int // stride between consecutive key arguments
	Arity         int // 1 means keyless; >1 means at least one key argument is expected
	Unsupported   bool
}

// table is the static command registry. Commands not present here are
// treated as unknown (and therefore unsupported).
var table = map[string]Info{
	"GET":       {Name: "GET", FirstKey: 1, LastKey: 1, KeyStep: 1, Arity: 2},
	"SET":       {Name: "SET", FirstKey: 1, LastKey: 1, KeyStep: 1, Arity: 3},
	"SETNX":     {Name: "SETNX", FirstKey: 1, LastKey: 1, KeyStep: 1, Arity: 3},
	"SETEX":     {Name: "SETEX", FirstKey: 1, LastKey: 1, KeyStep: 1, Arity: 4},
	"APPEND":    {Name: "APPEND", FirstKey: 1, LastKey: 1, KeyStep: 1, Arity: 3},
	"STRLEN":    {Name: "STRLEN", FirstKey: 1, LastKey: 1, KeyStep: 1, Arity: 2},
	"INCR":      {Name: "INCR", FirstKey: 1, LastKey: 1, KeyStep: 1, Arity: 2},
	"DECR":      {Name: "DECR", FirstKey: 1, LastKey: 1, KeyStep: 1, Arity: 2},
	"INCRBY":    {Name: "INCRBY", FirstKey: 1, LastKey: 1, KeyStep: 1, Arity: 3},
	"DECRBY":    {Name: "DECRBY", FirstKey: 1, LastKey: 1, KeyStep: 1, Arity: 3},
	"DEL":       {Name: "DEL", FirstKey: 1, LastKey: -1, KeyStep: 1, Arity: 2},
	"EXISTS":    {Name: "EXISTS", FirstKey: 1, LastKey: -1, KeyStep: 1, Arity: 2},
	"EXPIRE":    {Name: "EXPIRE", FirstKey: 1, LastKey: 1, KeyStep: 1, Arity: 3},
	"TTL":       {Name: "TTL", FirstKey: 1, LastKey: 1, KeyStep: 1, Arity: 2},
	"TYPE":      {Name: "TYPE", FirstKey: 1, LastKey: 1, KeyStep: 1, Arity: 2},
	"MGET":      {Name: "MGET", FirstKey: 1, LastKey: -1, KeyStep: 1, Arity: 2},
	"MSET":      {Name: "MSET", FirstKey: 1, LastKey: -1, KeyStep: 2, Arity: 3},
	"MSETNX":    {Name: "MSETNX", FirstKey: 1, LastKey: -1, KeyStep: 2, Arity: 3},
	"HGET":      {Name: "HGET", FirstKey: 1, LastKey: 1, KeyStep: 1, Arity: 3},
	"HSET":      {Name: "HSET", FirstKey: 1, LastKey: 1, KeyStep: 1, Arity: 4},
	"HDEL":      {Name: "HDEL", FirstKey: 1, LastKey: 1, KeyStep: 1, Arity: 3},
	"HGETALL":   {Name: "HGETALL", FirstKey: 1, LastKey: 1, KeyStep: 1, Arity: 2},
	"HMGET":     {Name: "HMGET", FirstKey: 1, LastKey: 1, KeyStep: 1, Arity: 3},
	"HMSET":     {Name: "HMSET", FirstKey: 1, LastKey: 1, KeyStep: 1, Arity: 4},
	"LPUSH":     {Name: "LPUSH", FirstKey: 1, LastKey: 1, KeyStep: 1, Arity: 3},
	"RPUSH":     {Name: "RPUSH", FirstKey: 1, LastKey: 1, KeyStep: 1, Arity: 3},
	"LPOP":      {Name: "LPOP", FirstKey: 1, LastKey: 1, KeyStep: 1, Arity: 2},
	"RPOP":      {Name: "RPOP", FirstKey: 1, LastKey: 1, KeyStep: 1, Arity: 2},
	"LRANGE":    {Name: "LRANGE", FirstKey: 1, LastKey: 1, KeyStep: 1, Arity: 4},
	"LLEN":      {Name: "LLEN", FirstKey: 1, LastKey: 1, KeyStep: 1, Arity: 2},
	"SADD":      {Name: "SADD", FirstKey: 1, LastKey: 1, KeyStep: 1, Arity: 3},
	"SREM":      {Name: "SREM", FirstKey: 1, LastKey: 1, KeyStep: 1, Arity: 3},
	"SMEMBERS":  {Name: "SMEMBERS", FirstKey: 1, LastKey: 1, KeyStep: 1, Arity: 2},
	"SISMEMBER": {Name: "SISMEMBER", FirstKey: 1, LastKey: 1, KeyStep: 1, Arity: 3},
	"ZADD":      {Name: "ZADD", FirstKey: 1, LastKey: 1, KeyStep: 1, Arity: 4},
	"ZRANGE":    {Name: "ZRANGE", FirstKey: 1, LastKey: 1, KeyStep: 1, Arity: 4},
	"ZSCORE":    {Name: "ZSCORE", FirstKey: 1, LastKey: 1, KeyStep: 1, Arity: 3},
	"PING":      {Name: "PING", Arity: 1},
	"ECHO":      {Name: "ECHO", Arity: 1},
	"INFO":      {Name: "INFO", Arity: 1},
	"CLUSTER":   {Name: "CLUSTER", Arity: 1},
	"COMMAND":   {Name: "COMMAND", Arity: 1},
	"AUTH":      {Name: "AUTH", Arity: 1},
	"SELECT":    {Name: "SELECT", Arity: 1},
	// Unsupported regardless of syntactic shape: spec Non-goals exclude
	// transaction batching and cross-slot scans.
	"MULTI": {Name: "MULTI", Arity: 1, Unsupported: true},
	"EXEC":  {Name: "EXEC", Arity: 1, Unsupported: true},
	"WATCH": {Name: "WATCH", Arity: 1, Unsupported: true},
	"SCAN":  {Name: "SCAN", Arity: 1, Unsupported: true},
}

// Lookup returns the Info for name (case-insensitive) and whether it was
// found. A command absent from the table is treated as unknown, which
// routing surfaces identically to an explicitly unsupported command.
func Lookup(name string) (Info, bool) {
	info, ok := table[strings.ToUpper(name)]
	return info, ok
}

// LastKeyIndex resolves a command's LastKey field against an actual
// argument count, honoring the "negative counts from the end" convention
// (e.g. DEL's LastKey == -1 means argc-1).
func (i Info) LastKeyIndex(argc int) int {
	if i.LastKey < 0 {
		return argc + i.LastKey
	}
	return i.LastKey
}
