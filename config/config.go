// Package config holds the settings of the ftpd binary and loads them
// from a YAML file and command line flags.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v2"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendBolt   = "bolt"
)

// StorageOptions selects and configures the storage backend.
type StorageOptions struct {
	Backend  string `yaml:"backend"`
	Root     string `yaml:"root"` // directory for local, file for bolt
	ReadOnly bool   `yaml:"read_only"`
}

// Options contains options for the FTP server
type Options struct {
	ListenAddr     string   `yaml:"addr"`          // Port to listen on
	PublicHost     string   `yaml:"public_host"`   // Host advertised for passive connections
	PassivePorts   string   `yaml:"passive_ports"` // Passive ports range
	WelcomeMessage string   `yaml:"welcome_message"`
	WelcomeCode    int      `yaml:"welcome_code"`
	SystemName     string   `yaml:"system_name"`
	Features       []string `yaml:"features"`

	Storage StorageOptions `yaml:"storage"`

	Anonymous bool              `yaml:"anonymous"`
	Users     map[string]string `yaml:"users"` // username to bcrypt hash

	MaxConnections      int           `yaml:"max_connections"`
	MaxConnectionsPerIP int           `yaml:"max_connections_per_ip"`
	MaxIdleTime         time.Duration `yaml:"max_idle_time"`
	DataConnTimeout     time.Duration `yaml:"data_conn_timeout"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	BandwidthLimit      int           `yaml:"bandwidth_limit"`
	ClientBandwidth     int           `yaml:"client_bandwidth_limit"`

	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // text, json or tint
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the default values used for Options
func Default() Options {
	return Options{
		ListenAddr:      "localhost:2121",
		PassivePorts:    "30000-32000",
		WelcomeMessage:  "FTP server ready",
		WelcomeCode:     220,
		SystemName:      "UNIX Type: L8",
		Features:        []string{"EPSV", "PASV"},
		Storage:         StorageOptions{Backend: BackendMemory},
		Anonymous:       true,
		MaxIdleTime:     5 * time.Minute,
		DataConnTimeout: 30 * time.Second,
		PollInterval:    30 * time.Millisecond,
		LogLevel:        "info",
		LogFormat:       "tint",
	}
}

// Load reads a YAML file over opt. Keys missing from the file keep the
// values already in opt; unknown keys are an error.
func Load(path string, opt *Options) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config")
	}
	if err := yaml.UnmarshalStrict(data, opt); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	return nil
}

// AddFlags adds flags for opt to flagSet.
func AddFlags(flagSet *pflag.FlagSet, opt *Options) {
	flagSet.StringVar(&opt.ListenAddr, "addr", opt.ListenAddr, "IPaddress:Port or :Port to bind server to")
	flagSet.StringVar(&opt.PublicHost, "public-host", opt.PublicHost, "Public IP address or hostname to advertise for passive connections")
	flagSet.StringVar(&opt.PassivePorts, "passive-port", opt.PassivePorts, "Passive port range to use")
	flagSet.StringVar(&opt.WelcomeMessage, "welcome", opt.WelcomeMessage, "Welcome banner")
	flagSet.IntVar(&opt.WelcomeCode, "welcome-code", opt.WelcomeCode, "Reply code of the welcome banner")
	flagSet.StringVar(&opt.SystemName, "system-name", opt.SystemName, "Text returned by SYST")
	flagSet.StringSliceVar(&opt.Features, "feature", opt.Features, "Extension advertised by FEAT (repeatable)")
	flagSet.StringVar(&opt.Storage.Backend, "storage", opt.Storage.Backend, "Storage backend: memory, local or bolt")
	flagSet.StringVar(&opt.Storage.Root, "root", opt.Storage.Root, "Directory (local) or database file (bolt) to serve")
	flagSet.BoolVar(&opt.Storage.ReadOnly, "read-only", opt.Storage.ReadOnly, "Reject writes to local storage")
	flagSet.BoolVar(&opt.Anonymous, "anonymous", opt.Anonymous, "Allow anonymous logins")
	flagSet.IntVar(&opt.MaxConnections, "max-connections", opt.MaxConnections, "Maximum simultaneous connections (0 = unlimited)")
	flagSet.IntVar(&opt.MaxConnectionsPerIP, "max-connections-per-ip", opt.MaxConnectionsPerIP, "Maximum simultaneous connections per IP (0 = unlimited)")
	flagSet.DurationVar(&opt.MaxIdleTime, "max-idle-time", opt.MaxIdleTime, "Close control connections idle for this long")
	flagSet.DurationVar(&opt.DataConnTimeout, "data-timeout", opt.DataConnTimeout, "Abandon data connections not established within this time")
	flagSet.DurationVar(&opt.PollInterval, "poll-interval", opt.PollInterval, "Event loop poll interval")
	flagSet.IntVar(&opt.BandwidthLimit, "bwlimit", opt.BandwidthLimit, "Total transfer limit in bytes/s (0 = unlimited)")
	flagSet.IntVar(&opt.ClientBandwidth, "client-bwlimit", opt.ClientBandwidth, "Per-client transfer limit in bytes/s (0 = unlimited)")
	flagSet.StringVar(&opt.LogLevel, "log-level", opt.LogLevel, "Log level: debug, info, warn or error")
	flagSet.StringVar(&opt.LogFormat, "log-format", opt.LogFormat, "Log format: text, json or tint")
	flagSet.StringVar(&opt.MetricsAddr, "metrics-addr", opt.MetricsAddr, "Serve Prometheus metrics on this address (empty = disabled)")
}

// ApplyChanged copies the flags the user set explicitly in flagSet onto
// opt, so command line flags override a config file.
func ApplyChanged(flagSet *pflag.FlagSet, opt *Options) error {
	target := pflag.NewFlagSet("config", pflag.ContinueOnError)
	AddFlags(target, opt)

	var err error
	flagSet.Visit(func(f *pflag.Flag) {
		if err != nil || target.Lookup(f.Name) == nil {
			return
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			err = target.Lookup(f.Name).Value.(pflag.SliceValue).Replace(sv.GetSlice())
			return
		}
		err = target.Set(f.Name, f.Value.String())
	})
	return err
}

// PassivePortRange parses PassivePorts, e.g. "30000-32000".
func (o *Options) PassivePortRange() (min, max uint16, err error) {
	lo, hi, ok := strings.Cut(o.PassivePorts, "-")
	if !ok {
		hi = lo
	}
	l, err1 := strconv.ParseUint(strings.TrimSpace(lo), 10, 16)
	h, err2 := strconv.ParseUint(strings.TrimSpace(hi), 10, 16)
	if err1 != nil || err2 != nil || l == 0 || h < l {
		return 0, 0, errors.Errorf("invalid passive port range %q", o.PassivePorts)
	}
	return uint16(l), uint16(h), nil
}

// Validate checks options that cannot be checked by the flag parser.
func (o *Options) Validate() error {
	if _, _, err := o.PassivePortRange(); err != nil {
		return err
	}
	switch o.Storage.Backend {
	case BackendMemory:
	case BackendLocal, BackendBolt:
		if o.Storage.Root == "" {
			return errors.Errorf("storage backend %s needs a root", o.Storage.Backend)
		}
	default:
		return errors.Errorf("unknown storage backend %q", o.Storage.Backend)
	}
	if !o.Anonymous && len(o.Users) == 0 {
		return errors.New("no way to log in: enable anonymous or configure users")
	}
	switch o.LogFormat {
	case "text", "json", "tint":
	default:
		return errors.Errorf("unknown log format %q", o.LogFormat)
	}
	return nil
}
