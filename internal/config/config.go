package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sigcast/sigcast/internal/transport"
	"github.com/spf13/viper"
)

type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Raft      RaftConfig      `mapstructure:"raft"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Transport TransportConfig `mapstructure:"transport"`
	Indexer   IndexerConfig   `mapstructure:"indexer"`
	Legacy    LegacyConfig    `mapstructure:"legacy"`
	Replay    ReplayConfig    `mapstructure:"replay"`
	API       APIConfig       `mapstructure:"api"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
}

type NodeConfig struct {
	ID        string            `mapstructure:"id"`
	BindAddr  string            `mapstructure:"bind_addr"`
	DataDir   string            `mapstructure:"data_dir"`
	Bootstrap bool              `mapstructure:"bootstrap"`
	PeerAddrs map[string]string `mapstructure:"peer_addrs"`
}

type RaftConfig struct {
	Enabled                    bool          `mapstructure:"enabled"`
	LeadershipTransferInterval time.Duration `mapstructure:"leadership_transfer_interval"`
}

type ChainConfig struct {
	LocalChainID uint32 `mapstructure:"local_chain_id"`
	Owner        string `mapstructure:"owner"`
	Account      string `mapstructure:"account"`
	Treasury     string `mapstructure:"treasury"`
}

type FeeConfig struct {
	Base     string `mapstructure:"base"`
	GasPrice string `mapstructure:"gas_price"`
	PerByte  string `mapstructure:"per_byte"`
}

type TransportConfig struct {
	Brokers        []string             `mapstructure:"brokers"`
	TopicPrefix    string               `mapstructure:"topic_prefix"`
	GroupID        string               `mapstructure:"group_id"`
	RelayInterval  time.Duration        `mapstructure:"relay_interval"`
	RelayBatchSize int                  `mapstructure:"relay_batch_size"`
	DefaultFees    FeeConfig            `mapstructure:"default_fees"`
	Fees           map[string]FeeConfig `mapstructure:"fees"`
}

type IndexerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Brokers  []string      `mapstructure:"brokers"`
	Topic    string        `mapstructure:"topic"`
	Interval time.Duration `mapstructure:"interval"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

type LegacyConfig struct {
	Database    DatabaseConfig `mapstructure:"database"`
	Table       string         `mapstructure:"table"`
	Publication string         `mapstructure:"publication"`
	Slot        string         `mapstructure:"slot"`
	// Follow replays new legacy inserts from a running node.
	Follow bool `mapstructure:"follow"`
}

type ReplayConfig struct {
	BatchSize int `mapstructure:"batch_size"`
}

type APIConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	SignatureWindow time.Duration `mapstructure:"signature_window"`
}

type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("SIGCAST")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}
	if c.Raft.Enabled && c.Node.BindAddr == "" {
		return fmt.Errorf("node.bind_addr is required when raft is enabled")
	}

	if c.Chain.LocalChainID == 0 {
		return fmt.Errorf("chain.local_chain_id is required")
	}
	for name, addr := range map[string]string{
		"chain.owner":    c.Chain.Owner,
		"chain.account":  c.Chain.Account,
		"chain.treasury": c.Chain.Treasury,
	} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%s must be a hex address, got %q", name, addr)
		}
	}

	if _, err := c.Transport.FeeTable(); err != nil {
		return err
	}

	if c.Transport.TopicPrefix == "" {
		c.Transport.TopicPrefix = "sigcast.packets"
	}
	if c.Transport.GroupID == "" {
		c.Transport.GroupID = fmt.Sprintf("sigcast-%d", c.Chain.LocalChainID)
	}
	if c.Transport.RelayInterval <= 0 {
		c.Transport.RelayInterval = time.Second
	}
	if c.Transport.RelayBatchSize <= 0 {
		c.Transport.RelayBatchSize = 100
	}

	if c.Indexer.Enabled && len(c.Indexer.Brokers) == 0 {
		return fmt.Errorf("indexer.brokers is required when the indexer export is enabled")
	}
	if c.Indexer.Topic == "" {
		c.Indexer.Topic = "sigcast.log"
	}
	if c.Indexer.Interval <= 0 {
		c.Indexer.Interval = 2 * time.Second
	}

	if c.Legacy.Follow && c.Legacy.Database.Host == "" {
		return fmt.Errorf("legacy.database.host is required when legacy.follow is enabled")
	}
	if c.Legacy.Table == "" {
		c.Legacy.Table = "signatures"
	}
	if c.Legacy.Publication == "" {
		c.Legacy.Publication = "sigcast_pub"
	}
	if c.Legacy.Slot == "" {
		c.Legacy.Slot = "sigcast_slot"
	}
	if c.Legacy.Database.Port == 0 {
		c.Legacy.Database.Port = 5432
	}

	if c.Replay.BatchSize <= 0 {
		c.Replay.BatchSize = 500
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = "127.0.0.1:8080"
	}
	if c.API.SignatureWindow <= 0 {
		c.API.SignatureWindow = 5 * time.Minute
	}

	if c.Raft.Enabled && c.Raft.LeadershipTransferInterval < 0 {
		return fmt.Errorf("raft.leadership_transfer_interval must not be negative")
	}

	return nil
}

func (c *ChainConfig) OwnerAddress() common.Address    { return common.HexToAddress(c.Owner) }
func (c *ChainConfig) AccountAddress() common.Address  { return common.HexToAddress(c.Account) }
func (c *ChainConfig) TreasuryAddress() common.Address { return common.HexToAddress(c.Treasury) }

// FeeTable builds the transport fee schedule. Chain keys are decimal chain ids.
func (t *TransportConfig) FeeTable() (*transport.FeeTable, error) {
	def, err := t.DefaultFees.schedule("transport.default_fees")
	if err != nil {
		return nil, err
	}
	table := &transport.FeeTable{Default: def, ByChain: map[uint32]transport.FeeSchedule{}}

	for key, fc := range t.Fees {
		id, err := strconv.ParseUint(key, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("transport.fees: invalid chain id %q", key)
		}
		s, err := fc.schedule("transport.fees." + key)
		if err != nil {
			return nil, err
		}
		table.ByChain[uint32(id)] = s
	}
	return table, nil
}

func (f FeeConfig) schedule(path string) (transport.FeeSchedule, error) {
	parse := func(field, v string) (*big.Int, error) {
		if v == "" {
			return nil, nil
		}
		n, ok := new(big.Int).SetString(v, 10)
		if !ok || n.Sign() < 0 {
			return nil, fmt.Errorf("%s.%s must be a non-negative integer, got %q", path, field, v)
		}
		return n, nil
	}

	var s transport.FeeSchedule
	var err error
	if s.Base, err = parse("base", f.Base); err != nil {
		return s, err
	}
	if s.GasPrice, err = parse("gas_price", f.GasPrice); err != nil {
		return s, err
	}
	if s.PerByte, err = parse("per_byte", f.PerByte); err != nil {
		return s, err
	}
	return s, nil
}

func (d *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		d.Host, d.Port, d.Database, d.User, d.Password)
}

// ReplicationConnectionString opens a logical replication connection.
func (d *DatabaseConfig) ReplicationConnectionString() string {
	return d.ConnectionString() + " replication=database"
}
