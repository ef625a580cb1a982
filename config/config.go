package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/bridgeledger/internal/actions"
	"github.com/vadiminshakov/bridgeledger/internal/domain"
	"github.com/vadiminshakov/bridgeledger/internal/signer"
	"gopkg.in/yaml.v3"
)

const (
	// OperatorKeyEnv overrides operator.key from the config file.
	OperatorKeyEnv = "BRIDGE_OPERATOR_KEY"
	// KeystorePassphraseEnv holds the passphrase for operator.keystore.
	KeystorePassphraseEnv = "BRIDGE_KEYSTORE_PASSPHRASE"

	defaultDataDir               = "./data"
	defaultHTTPAddr              = ":8080"
	defaultConfirmations         = 12
	defaultPollInterval          = 5 * time.Second
	defaultMaxBlockRange         = 2000
	defaultQueueSize             = 1024
	defaultMaxConcurrentReleases = 4
	defaultCheckpointEvery       = 100
	defaultCheckpointInterval    = 30 * time.Second
	defaultRetryInitialInterval  = time.Second
	defaultRetryMaxInterval      = 30 * time.Second
	defaultRetryMaxRetries       = 5
	defaultRetryMultiplier       = 2.0
	defaultReleaseAwaitTimeout   = 2 * time.Minute
)

// DefaultEventNames are the bridge event identifiers emitted by the deposit contract.
var DefaultEventNames = map[domain.EventKind]string{
	domain.EventNativeDeposit: "BRIDGE_ETH",
	domain.EventAssetDeposit:  "BRIDGE_ERC20",
	domain.EventPriceFeed:     "ORACLE_ETH_USDC",
}

// Config is the validated runtime configuration of the bridge daemon.
type Config struct {
	OperatorAddress    common.Address
	OperatorKey        string
	OperatorKeystore   string
	KeystorePassphrase string

	Domain            actions.Domain
	SecondaryDecimals int
	RejectStalePrice  bool

	GenesisPath string
	DataDir     string

	RPCURL             string
	BridgeContract     common.Address
	SettlementContract common.Address
	EventNames         map[domain.EventKind]string
	Confirmations      uint64
	PollInterval       time.Duration
	StartBlock         uint64
	MaxBlockRange      uint64

	FinalizedStatus       domain.ActionStatus
	QueueSize             int
	MaxConcurrentReleases int64
	RetryFailedOnStart    bool
	ReleaseGasLimit       uint64
	ReleaseAwaitTimeout   time.Duration
	Retry                 Retry

	CheckpointEvery    int
	CheckpointInterval time.Duration

	HTTPAddr       string
	LogDevelopment bool
}

// Retry is the release backoff policy.
type Retry struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      int
	Multiplier      float64
}

// ConfigTmp mirrors the yaml layout before validation.
type ConfigTmp struct {
	Operator struct {
		Address  string `yaml:"address"`
		Key      string `yaml:"key"`
		Keystore string `yaml:"keystore"`
	} `yaml:"operator"`
	ChainID int64 `yaml:"chain_id"`
	EIP712  struct {
		Name              string `yaml:"name"`
		Version           string `yaml:"version"`
		VerifyingContract string `yaml:"verifying_contract"`
	} `yaml:"eip712"`
	SecondaryDecimals *int   `yaml:"secondary_decimals"`
	RejectStalePrice  bool   `yaml:"reject_stale_price"`
	Genesis           string `yaml:"genesis"`
	DataDir           string `yaml:"data_dir"`

	RPCURL             string `yaml:"rpc_url"`
	BridgeContract     string `yaml:"bridge_contract"`
	SettlementContract string `yaml:"settlement_contract"`
	Events             struct {
		NativeDeposit string `yaml:"native_deposit"`
		AssetDeposit  string `yaml:"asset_deposit"`
		PriceFeed     string `yaml:"price_feed"`
	} `yaml:"events"`
	Confirmations *uint64       `yaml:"confirmations"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	StartBlock    uint64        `yaml:"start_block"`
	MaxBlockRange uint64        `yaml:"max_block_range"`

	FinalizedStatus       string        `yaml:"finalized_status"`
	QueueSize             int           `yaml:"queue_size"`
	MaxConcurrentReleases int64         `yaml:"max_concurrent_releases"`
	RetryFailedOnStart    bool          `yaml:"retry_failed_on_start"`
	ReleaseGasLimit       uint64        `yaml:"release_gas_limit"`
	ReleaseAwaitTimeout   time.Duration `yaml:"release_await_timeout"`
	Retry                 struct {
		InitialInterval time.Duration `yaml:"initial_interval"`
		MaxInterval     time.Duration `yaml:"max_interval"`
		MaxRetries      *int          `yaml:"max_retries"`
		Multiplier      float64       `yaml:"multiplier"`
	} `yaml:"retry"`

	Checkpoint struct {
		Every    int           `yaml:"every"`
		Interval time.Duration `yaml:"interval"`
	} `yaml:"checkpoint"`

	HTTPAddr string `yaml:"http_addr"`
	Log      struct {
		Development bool `yaml:"development"`
	} `yaml:"log"`
}

// Get reads the file named by the --config flag.
func Get() (Config, error) {
	path := flag.String("config", "", "path to yaml config")
	flag.Parse()
	if *path == "" {
		return Config{}, errors.New("--config is required")
	}
	return Load(*path)
}

// Load reads and validates a yaml config, applying environment overrides.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}

	var tmp ConfigTmp
	if err := yaml.Unmarshal(data, &tmp); err != nil {
		return Config{}, errors.Wrap(err, "parse yaml config")
	}
	if key := os.Getenv(OperatorKeyEnv); key != "" {
		tmp.Operator.Key = key
	}

	cfg, err := tmp.validate()
	if err != nil {
		return Config{}, err
	}
	cfg.KeystorePassphrase = os.Getenv(KeystorePassphraseEnv)
	if cfg.GenesisPath != "" && !filepath.IsAbs(cfg.GenesisPath) {
		cfg.GenesisPath = filepath.Join(filepath.Dir(path), cfg.GenesisPath)
	}
	return cfg, nil
}

func (c ConfigTmp) validate() (Config, error) {
	cfg := Config{
		OperatorKey:           strings.TrimSpace(c.Operator.Key),
		OperatorKeystore:      c.Operator.Keystore,
		RejectStalePrice:      c.RejectStalePrice,
		GenesisPath:           c.Genesis,
		DataDir:               c.DataDir,
		RPCURL:                c.RPCURL,
		PollInterval:          c.PollInterval,
		StartBlock:            c.StartBlock,
		MaxBlockRange:         c.MaxBlockRange,
		QueueSize:             c.QueueSize,
		MaxConcurrentReleases: c.MaxConcurrentReleases,
		RetryFailedOnStart:    c.RetryFailedOnStart,
		ReleaseGasLimit:       c.ReleaseGasLimit,
		ReleaseAwaitTimeout:   c.ReleaseAwaitTimeout,
		CheckpointEvery:       c.Checkpoint.Every,
		CheckpointInterval:    c.Checkpoint.Interval,
		HTTPAddr:              c.HTTPAddr,
		LogDevelopment:        c.Log.Development,
		Retry: Retry{
			InitialInterval: c.Retry.InitialInterval,
			MaxInterval:     c.Retry.MaxInterval,
			Multiplier:      c.Retry.Multiplier,
		},
	}

	if (cfg.OperatorKey == "") == (cfg.OperatorKeystore == "") {
		return Config{}, errors.Errorf("exactly one of 'operator.key' (or %s) and 'operator.keystore' must be set", OperatorKeyEnv)
	}
	if c.Operator.Address != "" {
		addr, err := domain.ParseAddress(c.Operator.Address)
		if err != nil {
			return Config{}, errors.Wrap(err, "incorrect 'operator.address' param in yaml config")
		}
		cfg.OperatorAddress = addr
	}

	if c.ChainID <= 0 {
		return Config{}, errors.Errorf("incorrect 'chain_id' param in yaml config: %d", c.ChainID)
	}
	if c.EIP712.Name == "" || c.EIP712.Version == "" {
		return Config{}, errors.New("'eip712.name' and 'eip712.version' are required")
	}
	verifying, err := domain.ParseAddress(c.EIP712.VerifyingContract)
	if err != nil {
		return Config{}, errors.Wrap(err, "incorrect 'eip712.verifying_contract' param in yaml config")
	}
	cfg.Domain = actions.Domain{
		Name:              c.EIP712.Name,
		Version:           c.EIP712.Version,
		ChainID:           c.ChainID,
		VerifyingContract: verifying,
	}

	cfg.SecondaryDecimals = domain.DefaultSecondaryDecimals
	if c.SecondaryDecimals != nil {
		if *c.SecondaryDecimals < 0 || *c.SecondaryDecimals > 36 {
			return Config{}, errors.Errorf("incorrect 'secondary_decimals' param in yaml config: %d", *c.SecondaryDecimals)
		}
		cfg.SecondaryDecimals = *c.SecondaryDecimals
	}

	if cfg.GenesisPath == "" {
		return Config{}, errors.New("'genesis' is required")
	}
	if cfg.RPCURL == "" {
		return Config{}, errors.New("'rpc_url' is required")
	}
	if cfg.BridgeContract, err = domain.ParseAddress(c.BridgeContract); err != nil {
		return Config{}, errors.Wrap(err, "incorrect 'bridge_contract' param in yaml config")
	}
	if cfg.SettlementContract, err = domain.ParseAddress(c.SettlementContract); err != nil {
		return Config{}, errors.Wrap(err, "incorrect 'settlement_contract' param in yaml config")
	}

	cfg.EventNames = map[domain.EventKind]string{}
	for kind, name := range map[domain.EventKind]string{
		domain.EventNativeDeposit: c.Events.NativeDeposit,
		domain.EventAssetDeposit:  c.Events.AssetDeposit,
		domain.EventPriceFeed:     c.Events.PriceFeed,
	} {
		if name == "" {
			name = DefaultEventNames[kind]
		}
		cfg.EventNames[kind] = name
	}

	cfg.FinalizedStatus = domain.StatusFinalized
	if c.FinalizedStatus != "" {
		status, ok := domain.ParseActionStatus(c.FinalizedStatus)
		if !ok || (status != domain.StatusAccepted && status != domain.StatusFinalized) {
			return Config{}, errors.Errorf("incorrect 'finalized_status' param in yaml config: %q (accepted or finalized)", c.FinalizedStatus)
		}
		cfg.FinalizedStatus = status
	}

	cfg.Confirmations = defaultConfirmations
	if c.Confirmations != nil {
		cfg.Confirmations = *c.Confirmations
	}
	cfg.Retry.MaxRetries = defaultRetryMaxRetries
	if c.Retry.MaxRetries != nil {
		if *c.Retry.MaxRetries < 0 {
			return Config{}, errors.Errorf("incorrect 'retry.max_retries' param in yaml config: %d", *c.Retry.MaxRetries)
		}
		cfg.Retry.MaxRetries = *c.Retry.MaxRetries
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		return Config{}, errors.Errorf("incorrect 'retry.multiplier' param in yaml config: %v (at least 1)", c.Retry.Multiplier)
	}

	if cfg.QueueSize < 0 || cfg.MaxConcurrentReleases < 0 || cfg.CheckpointEvery < 0 {
		return Config{}, errors.New("queue_size, max_concurrent_releases and checkpoint.every must not be negative")
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = defaultHTTPAddr
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxBlockRange == 0 {
		c.MaxBlockRange = defaultMaxBlockRange
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.MaxConcurrentReleases == 0 {
		c.MaxConcurrentReleases = defaultMaxConcurrentReleases
	}
	if c.CheckpointEvery == 0 {
		c.CheckpointEvery = defaultCheckpointEvery
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = defaultCheckpointInterval
	}
	if c.Retry.InitialInterval <= 0 {
		c.Retry.InitialInterval = defaultRetryInitialInterval
	}
	if c.Retry.MaxInterval <= 0 {
		c.Retry.MaxInterval = defaultRetryMaxInterval
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = defaultRetryMultiplier
	}
	if c.ReleaseAwaitTimeout <= 0 {
		c.ReleaseAwaitTimeout = defaultReleaseAwaitTimeout
	}
}

// Operator loads the operator key. When operator.address is configured the
// loaded key must match it.
func (c Config) Operator() (*signer.Operator, error) {
	var (
		op  *signer.Operator
		err error
	)
	if c.OperatorKey != "" {
		op, err = signer.FromHex(c.OperatorKey)
	} else {
		op, err = signer.FromKeystore(c.OperatorKeystore, c.KeystorePassphrase)
	}
	if err != nil {
		return nil, err
	}
	if c.OperatorAddress != (common.Address{}) && op.Address() != c.OperatorAddress {
		return nil, errors.Errorf("operator key belongs to %s, config expects %s", op.Address().Hex(), c.OperatorAddress.Hex())
	}
	return op, nil
}

// Dir returns a per-store directory under DataDir.
func (c Config) Dir(name string) string {
	return filepath.Join(c.DataDir, name)
}
