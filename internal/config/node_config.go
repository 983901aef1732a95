package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/yuuki/rmcemu/internal/rmc"
)

// NodeConfig holds configuration for one emulated controller node
type NodeConfig struct {
	NodeID            uint16
	ContextID         uint8
	MACAddr           string
	ListenAddr        string
	Peers             map[uint16]string
	RegistryURI       string
	LogLevel          string
	TickRate          int
	StagingBufferSize int
	MemorySize        uint64
	PageTableRoot     uint64
	WQAddr            uint64
	CQAddr            uint64
	ContextAddr       uint64
	MetricsEnabled    bool
	OtelCollectorAddr string
}

// flag name -> config key
var nodeFlagKeys = map[string]string{
	"node-id":             "node_id",
	"context-id":          "context_id",
	"mac-addr":            "mac_addr",
	"listen-addr":         "listen_addr",
	"peer":                "peers",
	"registry-uri":        "registry_uri",
	"log-level":           "log_level",
	"tick-rate":           "tick_rate",
	"metrics-enabled":     "metrics_enabled",
	"otel-collector-addr": "otel_collector_addr",
}

// SetupNodeFlags sets up the command line flags for a node
func SetupNodeFlags(flagSet *pflag.FlagSet) {
	flagSet.String("config", "", "Path to configuration file")
	flagSet.Uint16("node-id", 1, "Node id, 0-255")
	flagSet.Uint8("context-id", 0, "Context id accepted from remote requests, 0-15")
	flagSet.String("mac-addr", "", "Source MAC address (default derived from the node id)")
	flagSet.String("listen-addr", "0.0.0.0:7100", "Address the frame relay listens on")
	flagSet.StringToString("peer", nil, "Static peer relay addresses as nid=host:port")
	flagSet.String("registry-uri", "", "rqlite URI of the node registry (empty disables it)")
	flagSet.String("log-level", "info", "Log level (debug, info, warn, error)")
	flagSet.Int("tick-rate", 1000, "Pipeline passes per second")
	flagSet.Bool("metrics-enabled", false, "Export metrics over OTLP")
	flagSet.String("otel-collector-addr", "localhost:4317", "OTLP collector address")
}

// LoadNodeConfig loads node configuration from defaults, a config file,
// RMCEMU_* environment variables and flags, in increasing precedence.
// flagSet may be nil.
func LoadNodeConfig(configPath string, flagSet *pflag.FlagSet) (*NodeConfig, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("node_id", 1)
	v.SetDefault("context_id", 0)
	v.SetDefault("mac_addr", "")
	v.SetDefault("listen_addr", "0.0.0.0:7100")
	v.SetDefault("peers", map[string]string{})
	v.SetDefault("registry_uri", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("tick_rate", 1000)
	v.SetDefault("staging_buffer_size", rmc.DefaultStagingCapacity)
	v.SetDefault("memory_size", 16<<20) // 16 MiB
	v.SetDefault("page_table_root", 0)
	v.SetDefault("wq_addr", 0x100000)
	v.SetDefault("cq_addr", 0x101000)
	v.SetDefault("context_addr", 0x200000)
	v.SetDefault("metrics_enabled", false)
	v.SetDefault("otel_collector_addr", "localhost:4317")

	// Environment variables
	v.SetEnvPrefix("RMCEMU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind only flags the user set so file values are not masked by flag defaults
	if flagSet != nil {
		for name, key := range nodeFlagKeys {
			if f := flagSet.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
		if configPath == "" {
			configPath, _ = flagSet.GetString("config")
		}
	}

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config in default locations
		v.SetConfigName("rmcemu")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.rmcemu")
		v.AddConfigPath("/etc/rmcemu")
	}

	if err := v.ReadInConfig(); err != nil {
		// It's okay if config file is not found, but other errors should be handled
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	peers, err := parsePeers(v.GetStringMapString("peers"))
	if err != nil {
		return nil, err
	}

	config := &NodeConfig{
		NodeID:            v.GetUint16("node_id"),
		ContextID:         v.GetUint8("context_id"),
		MACAddr:           v.GetString("mac_addr"),
		ListenAddr:        v.GetString("listen_addr"),
		Peers:             peers,
		RegistryURI:       v.GetString("registry_uri"),
		LogLevel:          v.GetString("log_level"),
		TickRate:          v.GetInt("tick_rate"),
		StagingBufferSize: v.GetInt("staging_buffer_size"),
		MemorySize:        v.GetUint64("memory_size"),
		PageTableRoot:     v.GetUint64("page_table_root"),
		WQAddr:            v.GetUint64("wq_addr"),
		CQAddr:            v.GetUint64("cq_addr"),
		ContextAddr:       v.GetUint64("context_addr"),
		MetricsEnabled:    v.GetBool("metrics_enabled"),
		OtelCollectorAddr: v.GetString("otel_collector_addr"),
	}
	if config.MACAddr == "" {
		config.MACAddr = DefaultMACAddr(config.NodeID)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// DefaultMACAddr returns a locally administered MAC ending in the node id
func DefaultMACAddr(nid uint16) string {
	return fmt.Sprintf("02:00:00:00:%02x:%02x", uint8(nid>>8), uint8(nid))
}

func parsePeers(raw map[string]string) (map[uint16]string, error) {
	peers := make(map[uint16]string, len(raw))
	for k, addr := range raw {
		nid, err := strconv.ParseUint(strings.TrimSpace(k), 0, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid peer node id %q: %w", k, err)
		}
		peers[uint16(nid)] = addr
	}
	return peers, nil
}

// Validate checks that ids fit their wire fields and that the rings and
// context lie inside guest memory
func (c *NodeConfig) Validate() error {
	if c.NodeID > 0xFF {
		return fmt.Errorf("node_id %d does not fit the IP node octet", c.NodeID)
	}
	if c.ContextID > 0xF {
		return fmt.Errorf("context_id %d does not fit 4 bits", c.ContextID)
	}
	if _, err := c.MAC(); err != nil {
		return err
	}
	if c.TickRate <= 0 {
		return fmt.Errorf("tick_rate must be positive, got %d", c.TickRate)
	}
	regions := []struct {
		name string
		addr uint64
		size uint64
	}{
		{"wq_addr", c.WQAddr, rmc.WorkQueueBytes},
		{"cq_addr", c.CQAddr, rmc.CompletionQueueBytes},
		{"context_addr", c.ContextAddr, 1},
	}
	for _, r := range regions {
		if r.addr+r.size > c.MemorySize {
			return fmt.Errorf("%s 0x%x exceeds memory_size 0x%x", r.name, r.addr, c.MemorySize)
		}
	}
	return nil
}

// MAC returns the parsed source MAC address
func (c *NodeConfig) MAC() ([6]byte, error) {
	var mac [6]byte
	hw, err := net.ParseMAC(c.MACAddr)
	if err != nil {
		return mac, fmt.Errorf("invalid mac_addr %q: %w", c.MACAddr, err)
	}
	if len(hw) != len(mac) {
		return mac, fmt.Errorf("mac_addr %q is not a 48-bit address", c.MACAddr)
	}
	copy(mac[:], hw)
	return mac, nil
}

// CreateDefaultNodeConfig creates a default configuration file for a node
func CreateDefaultNodeConfig(path string) error {
	configContent := `# rmcemu node configuration
node_id: 1 # 0-255, the third octet of 10.1.<node_id>.1
context_id: 0 # remote requests carrying another context id are rejected
mac_addr: "" # Leave empty to derive from node_id
listen_addr: "0.0.0.0:7100"
peers: {} # node id -> frame relay address, e.g. {2: "10.0.0.2:7100"}
registry_uri: "" # rqlite URI, e.g. http://localhost:4001
log_level: "info" # debug, info, warn, error
tick_rate: 1000 # pipeline passes per second
staging_buffer_size: 1000
memory_size: 16777216 # 16 MiB of guest memory
page_table_root: 0
wq_addr: 0x100000
cq_addr: 0x101000
context_addr: 0x200000
metrics_enabled: false
otel_collector_addr: "localhost:4317"
`

	return writeConfigFile(path, configContent)
}
