// Package config loads the proxy's configuration: a positional seed
// address plus CLI flags, with every knob exposed as a flag rather than
// split across a flag layer and a separate config file.
package config

import (
	"flag"
	"fmt"

	"github.com/tindra/clusterproxy/internal/appErr"
	"github.com/tindra/clusterproxy/internal/logger"
	"github.com/tindra/clusterproxy/internal/scheduler"
)

// Config holds every setting recognized on the command line.
type Config struct {
	Seed string // positional host:port seed

	Port               int
	MaxClients         int
	Threads            int
	TCPKeepAlive       int
	Daemonize          bool
	DisableMultiplex   string
	Auth               string
	DisableColors      bool
	LogLevel           string
	DumpQueries        bool
	DumpBuffer         bool

	Socks struct {
		Enabled  bool
		Host     string
		Port     int
		Username string
		Password string
	}

	RateLimit struct {
		Enabled                 bool
		MaxConnectionsPerIP     int
		MaxConnectionsPerMinute int
		BanDurationSeconds      int
		CleanupIntervalSeconds  int
	}
}

// Parse builds a Config from args (normally os.Args[1:]), applying
// defaults first and then validating the result. help is true when
// -h/--help was given; Parse has then already printed usage, and callers
// should exit 0.
func Parse(args []string) (cfg *Config, help bool, err error) {
	fs := flag.NewFlagSet("clusterproxy", flag.ContinueOnError)

	c := &Config{}
	fs.IntVar(&c.Port, "p", 7777, "listening port")
	fs.IntVar(&c.Port, "port", 7777, "listening port")
	fs.IntVar(&c.MaxClients, "maxclients", 10000, "max accepted clients (passed to workers; no cap is enforced)")
	fs.IntVar(&c.Threads, "threads", 8, "worker thread count (1..500)")
	fs.IntVar(&c.TCPKeepAlive, "tcpkeepalive", 15, "upstream TCP keepalive seconds (not applied; upstream connections use a fixed 15s period)")
	fs.BoolVar(&c.Daemonize, "daemonize", false, "accepted; the process stays in the foreground")
	fs.StringVar(&c.DisableMultiplex, "disable-multiplexing", "auto", "never|auto|always")
	fs.StringVar(&c.Auth, "a", "", "cluster AUTH password")
	fs.StringVar(&c.Auth, "auth", "", "cluster AUTH password")
	fs.BoolVar(&c.DisableColors, "disable-colors", false, "disable ANSI log colors")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|success|warning|error")
	fs.BoolVar(&c.DumpQueries, "dump-queries", false, "log every parsed client request")
	fs.BoolVar(&c.DumpBuffer, "dump-buffer", false, "accepted; raw client read buffers are not logged")

	var showHelp bool
	fs.BoolVar(&showHelp, "h", false, "show help")
	fs.BoolVar(&showHelp, "help", false, "show help")

	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if showHelp {
		fs.Usage()
		return nil, true, nil
	}

	if fs.NArg() < 1 {
		return nil, false, appErr.New(appErr.CodeConfig, "missing positional host:port seed")
	}
	c.Seed = fs.Arg(0)

	if c.Threads < 1 {
		c.Threads = 1
	}
	if c.Threads > 500 {
		c.Threads = 500
	}

	switch c.DisableMultiplex {
	case "never", "auto", "always":
	default:
		return nil, false, appErr.Newf(appErr.CodeConfig, "invalid --disable-multiplexing %q", c.DisableMultiplex)
	}

	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return nil, false, appErr.Wrap(appErr.CodeConfig, "invalid --log-level", err)
	}

	return c, false, nil
}

// MultiplexMode resolves the --disable-multiplexing flag into the
// scheduler's mode enum.
func (c *Config) MultiplexMode() scheduler.MultiplexMode {
	switch c.DisableMultiplex {
	case "never":
		return scheduler.MultiplexNever
	case "always":
		return scheduler.MultiplexAlways
	default:
		return scheduler.MultiplexAuto
	}
}

// ListenAddr returns the "host:port" the proxy should bind.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("0.0.0.0:%d", c.Port)
}
