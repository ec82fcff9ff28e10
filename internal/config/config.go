// Package config loads the tsp configuration using Viper. Values come from
// defaults, an optional YAML file, TSP_ environment variables and command
// line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/zsiec/tsproc/internal/logging"
	"github.com/zsiec/tsproc/internal/mpegts"
	"github.com/zsiec/tsproc/internal/plugin"
	"github.com/zsiec/tsproc/internal/tsp"
)

const defaultMonitorInterval = time.Minute

// Config holds the processor options, the ambient services and an
// optional default plugin chain.
type Config struct {
	BufferSize               int           `mapstructure:"buffer_size"`
	Bitrate                  int64         `mapstructure:"bitrate"`
	BitrateAdjustInterval    time.Duration `mapstructure:"bitrate_adjust_interval"`
	InitBitrateAdjustPackets uint64        `mapstructure:"init_bitrate_adjust_packets"`
	MaxFlushPackets          int           `mapstructure:"max_flush_packets"`
	MaxInputPackets          int           `mapstructure:"max_input_packets"`
	AddInputStuffing         string        `mapstructure:"add_input_stuffing"` // nullpkt/inpkt
	AddStartStuffing         int           `mapstructure:"add_start_stuffing"`
	AddStopStuffing          int           `mapstructure:"add_stop_stuffing"`
	RealTime                 string        `mapstructure:"realtime"` // auto, on, off
	ReceiveTimeout           time.Duration `mapstructure:"receive_timeout"`
	PacketTimeout            time.Duration `mapstructure:"packet_timeout"`
	IgnoreJointTermination   bool          `mapstructure:"ignore_joint_termination"`

	Monitor         bool           `mapstructure:"monitor"`
	MonitorInterval time.Duration  `mapstructure:"monitor_interval"`
	Control         ControlConfig  `mapstructure:"control"`
	Logging         logging.Config `mapstructure:"logging"`

	// Default chain, used when the command line names no plugin. Each
	// entry is a plugin name followed by its arguments.
	Input      []string   `mapstructure:"input"`
	Processors [][]string `mapstructure:"processors"`
	Output     []string   `mapstructure:"output"`
}

// ControlConfig holds the control server settings.
type ControlConfig struct {
	Address string   `mapstructure:"address"`
	Sources []string `mapstructure:"sources"` // IP addresses or CIDR blocks
}

// flagKeys maps command line flags to configuration keys when they differ
// beyond dashes and underscores.
var flagKeys = map[string]string{
	"control-address": "control.address",
	"control-sources": "control.sources",
	"log-level":       "logging.level",
	"log-format":      "logging.format",
	"log-time-format": "logging.time_format",
}

// FlagKey returns the configuration key bound to a flag.
func FlagKey(flag string) string {
	if k, ok := flagKeys[flag]; ok {
		return k
	}
	return strings.ReplaceAll(flag, "-", "_")
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("buffer_size", tsp.DefaultBufferSize)
	v.SetDefault("bitrate", 0)
	v.SetDefault("bitrate_adjust_interval", tsp.DefaultBitrateAdjustInterval)
	v.SetDefault("init_bitrate_adjust_packets", tsp.DefaultInitBitrateAdjust)
	v.SetDefault("max_flush_packets", 0)
	v.SetDefault("max_input_packets", 0)
	v.SetDefault("add_input_stuffing", "")
	v.SetDefault("add_start_stuffing", 0)
	v.SetDefault("add_stop_stuffing", 0)
	v.SetDefault("realtime", "auto")
	v.SetDefault("receive_timeout", time.Duration(0))
	v.SetDefault("packet_timeout", time.Duration(0))
	v.SetDefault("ignore_joint_termination", false)

	v.SetDefault("monitor", false)
	v.SetDefault("monitor_interval", defaultMonitorInterval)
	v.SetDefault("control.address", "")
	v.SetDefault("control.sources", []string{})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.time_format", "")
}

// Load reads the configuration. configPath names a YAML file; when empty,
// tsp.yaml is searched in the current directory and $HOME/.tsp and a
// missing file is not an error. Flags of fs that were set on the command
// line override every other source.
func Load(configPath string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("tsp")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.tsp")
	}

	v.SetEnvPrefix("TSP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			if bindErr == nil && f.Name != "config" {
				bindErr = v.BindPFlag(FlagKey(f.Name), f)
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("binding flags: %w", bindErr)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := c.Options(); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be one of: text, json")
	}
	if c.Monitor && c.MonitorInterval <= 0 {
		return fmt.Errorf("monitor_interval must be positive")
	}
	if _, err := c.Control.Networks(); err != nil {
		return err
	}
	for name, spec := range map[string][]string{"input": c.Input, "output": c.Output} {
		if len(spec) > 0 && spec[0] == "" {
			return fmt.Errorf("%s: empty plugin name", name)
		}
	}
	for i, spec := range c.Processors {
		if len(spec) == 0 || spec[0] == "" {
			return fmt.Errorf("processors[%d]: empty plugin name", i)
		}
	}
	return nil
}

// Options converts the configuration into processor options.
func (c *Config) Options() (tsp.Options, error) {
	rt, err := tsp.ParseRealTime(c.RealTime)
	if err != nil {
		return tsp.Options{}, err
	}
	nullPkt, inPkt, err := tsp.ParseStuffing(c.AddInputStuffing)
	if err != nil {
		return tsp.Options{}, err
	}
	opts := tsp.Options{
		BufferSize:             c.BufferSize,
		Bitrate:                mpegts.BitRate(c.Bitrate),
		BitrateAdjustInterval:  c.BitrateAdjustInterval,
		InitBitrateAdjust:      c.InitBitrateAdjustPackets,
		MaxFlushPackets:        c.MaxFlushPackets,
		MaxInputPackets:        c.MaxInputPackets,
		InputStuffingNull:      nullPkt,
		InputStuffingIn:        inPkt,
		StartStuffing:          c.AddStartStuffing,
		StopStuffing:           c.AddStopStuffing,
		RealTime:               rt,
		ReceiveTimeout:         c.ReceiveTimeout,
		PacketTimeout:          c.PacketTimeout,
		IgnoreJointTermination: c.IgnoreJointTermination,
	}
	return opts, opts.Validate()
}

// Chain returns the default plugin chain of the configuration. Missing
// input or output are the file plugins on the standard streams.
func (c *Config) Chain() plugin.Chain {
	chain := plugin.Chain{Input: plugin.DefaultInput, Output: plugin.DefaultOutput}
	if len(c.Input) > 0 {
		chain.Input = plugin.Spec{Kind: plugin.KindInput, Name: c.Input[0], Args: c.Input[1:]}
	}
	for _, p := range c.Processors {
		chain.Processors = append(chain.Processors, plugin.Spec{Kind: plugin.KindProcessor, Name: p[0], Args: p[1:]})
	}
	if len(c.Output) > 0 {
		chain.Output = plugin.Spec{Kind: plugin.KindOutput, Name: c.Output[0], Args: c.Output[1:]}
	}
	return chain
}

// Networks parses the allowed control sources. Plain addresses become
// single-host networks.
func (c *ControlConfig) Networks() ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(c.Sources))
	for _, s := range c.Sources {
		if !strings.Contains(s, "/") {
			ip := net.ParseIP(s)
			if ip == nil {
				return nil, fmt.Errorf("control.sources: invalid address %q", s)
			}
			bits := 8 * net.IPv6len
			if ip4 := ip.To4(); ip4 != nil {
				ip, bits = ip4, 8*net.IPv4len
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil, fmt.Errorf("control.sources: %w", err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}
