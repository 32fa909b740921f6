// Package config turns command line arguments and an optional HCL file into
// the settings hokay runs with.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/jessevdk/go-flags"
	"go.uber.org/zap/zapcore"

	"github.com/teru01/hokay/logger"
	"github.com/teru01/hokay/responder"
)

type Options struct {
	ConfigFile        string        `short:"c" long:"config" value-name:"FILE" description:"HCL configuration file"`
	Verbosity         logger.Level  `short:"v" long:"verbosity" value-name:"LEVEL" description:"Logging verbosity: debug, info, error, or a positive debug level"`
	HeaderReadTimeout time.Duration `long:"header-read-timeout" value-name:"DURATION" description:"How long a client may take to send request headers (default: 2s)"`
	MaxHeaderBytes    int           `long:"max-header-bytes" value-name:"N" description:"Largest accepted request header block in bytes (default: 8192)"`
	ServerName        string        `long:"server-name" value-name:"NAME" description:"Product name sent in the Server header (default: hokay)"`
	ReusePort         bool          `long:"reuse-port" description:"Bind with SO_REUSEPORT"`
	Inherit           bool          `long:"inherit" description:"Use listeners passed down by start_server instead of binding"`
	Version           bool          `long:"version" description:"Print the version and exit"`

	Args struct {
		Addrs []string `positional-arg-name:"ADDR" description:"Address to listen on, host:port (default: 0.0.0.0:8080)"`
	} `positional-args:"yes"`
}

// File is the layout of the HCL configuration file.
type File struct {
	Listen            []string `hcl:"listen"`
	ServerName        string   `hcl:"server_name"`
	HeaderReadTimeout string   `hcl:"header_read_timeout"`
	MaxHeaderBytes    int      `hcl:"max_header_bytes"`
	ReusePort         bool     `hcl:"reuse_port"`
	Inherit           bool     `hcl:"inherit"`
	LogLevel          string   `hcl:"log_level"`
}

// Config holds the merged settings: command line over file over defaults.
type Config struct {
	addrs             []string
	inherit           bool
	reusePort         bool
	serverName        string
	headerReadTimeout time.Duration
	maxHeaderBytes    int
	logLevel          zapcore.Level
	showVersion       bool
}

func (c *Config) Addrs() []string                  { return c.addrs }
func (c *Config) Inherit() bool                    { return c.inherit }
func (c *Config) ReusePort() bool                  { return c.reusePort }
func (c *Config) ServerName() string               { return c.serverName }
func (c *Config) HeaderReadTimeout() time.Duration { return c.headerReadTimeout }
func (c *Config) MaxHeaderBytes() int              { return c.maxHeaderBytes }
func (c *Config) LogLevel() zapcore.Level          { return c.logLevel }
func (c *Config) ShowVersion() bool                { return c.showVersion }

func defaults() *Config {
	return &Config{
		headerReadTimeout: responder.DefaultHeaderReadTimeout,
		maxHeaderBytes:    responder.DefaultMaxHeaderBytes,
		logLevel:          zapcore.InfoLevel,
	}
}

// IsHelp reports whether err is the request for usage text; the text is err.Error().
func IsHelp(err error) bool {
	var flagsErr *flags.Error
	return errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp
}

// Parse parses command line arguments, without the program name.
func Parse(name string, args []string) (*Config, error) {
	var opts Options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = name
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	c := defaults()
	if opts.ConfigFile != "" {
		f, err := LoadFile(opts.ConfigFile)
		if err != nil {
			return nil, err
		}
		if err := c.applyFile(f); err != nil {
			return nil, fmt.Errorf("invalid config file %s: %w", opts.ConfigFile, err)
		}
	}
	if err := c.applyOptions(&opts); err != nil {
		return nil, err
	}
	return c, nil
}

func LoadFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var f File
	if err := hcl.Decode(&f, string(b)); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &f, nil
}

func (c *Config) applyFile(f *File) error {
	if len(f.Listen) > 0 {
		c.addrs = f.Listen
	}
	if f.ServerName != "" {
		c.serverName = f.ServerName
	}
	if f.HeaderReadTimeout != "" {
		d, err := time.ParseDuration(f.HeaderReadTimeout)
		if err != nil {
			return fmt.Errorf("header_read_timeout: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("header_read_timeout must be positive, got %s", d)
		}
		c.headerReadTimeout = d
	}
	if f.MaxHeaderBytes < 0 {
		return fmt.Errorf("max_header_bytes must be positive, got %d", f.MaxHeaderBytes)
	} else if f.MaxHeaderBytes > 0 {
		c.maxHeaderBytes = f.MaxHeaderBytes
	}
	if f.LogLevel != "" {
		level, err := logger.StringToLevel(f.LogLevel, zapcore.InfoLevel)
		if err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
		c.logLevel = level
	}
	c.reusePort = c.reusePort || f.ReusePort
	c.inherit = c.inherit || f.Inherit
	return nil
}

func (c *Config) applyOptions(opts *Options) error {
	if len(opts.Args.Addrs) > 0 {
		c.addrs = opts.Args.Addrs
	}
	if opts.ServerName != "" {
		c.serverName = opts.ServerName
	}
	if opts.HeaderReadTimeout < 0 {
		return fmt.Errorf("--header-read-timeout must be positive, got %s", opts.HeaderReadTimeout)
	} else if opts.HeaderReadTimeout > 0 {
		c.headerReadTimeout = opts.HeaderReadTimeout
	}
	if opts.MaxHeaderBytes < 0 {
		return fmt.Errorf("--max-header-bytes must be positive, got %d", opts.MaxHeaderBytes)
	} else if opts.MaxHeaderBytes > 0 {
		c.maxHeaderBytes = opts.MaxHeaderBytes
	}
	if opts.Verbosity.IsSet() {
		c.logLevel = opts.Verbosity.Level
	}
	c.reusePort = c.reusePort || opts.ReusePort
	c.inherit = c.inherit || opts.Inherit
	c.showVersion = opts.Version
	return nil
}
