package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Batch struct {
	Window      time.Duration // fixed from the first arrival, never extended
	MaxOrders   int           // open orders that trigger an early resolution
	HistorySize int           // matches kept for the read API
}

type Settlement struct {
	MinTradeSize   int64
	MaxSlippageBps int64
	DepthMarginBps int64
	CheckDepth     bool
	BaseAsset      string
	QuoteAsset     string
	PoolID         string
	QuoteTimeout   time.Duration
	SubmitTimeout  time.Duration
}

// Endpoints of external collaborators. An empty URL leaves the collaborator
// unwired and its settlement path becomes a no-op.
type Endpoints struct {
	LedgerURL  string
	VenueURL   string
	TEEURL     string
	RPCTimeout time.Duration
}

type Intake struct {
	DrainInterval        time.Duration
	DrainBatch           int
	InboxCapacity        int
	PendingRetryInterval time.Duration
	MaxDecryptAttempts   int
	DecryptTimeout       time.Duration
	DedupeSize           int
	VenueID              string
	// SealingKey is the hex ECIES key used when no TEE endpoint is set.
	// Empty generates a throwaway key.
	SealingKey string
}

type Node struct {
	APIAddr        string
	AllowedOrigins []string
	DataDir        string // empty keeps everything in memory
	WALFile        string
	LogFile        string
	LogLevel       string
	Feeder         bool
	FeederInterval time.Duration
}

type Attest struct {
	Scheme string // "ecdsa" or "bls"
	Key    string // hex; empty generates one
	Buffer int
}

type Events struct {
	KafkaBrokers []string
	KafkaTopic   string
}

type P2P struct {
	Enabled    bool
	ListenAddr string
	Bootstrap  []string
	Topic      string
}

type Config struct {
	Batch      Batch
	Settlement Settlement
	Endpoints  Endpoints
	Intake     Intake
	Node       Node
	Attest     Attest
	Events     Events
	P2P        P2P
}

func Default() Config {
	return Config{
		Batch: Batch{
			Window:      60 * time.Second,
			MaxOrders:   10,
			HistorySize: 256,
		},
		Settlement: Settlement{
			MinTradeSize:   1,
			MaxSlippageBps: 1000,
			DepthMarginBps: 8000,
			CheckDepth:     true,
			BaseAsset:      "BASE",
			QuoteAsset:     "QUOTE",
			QuoteTimeout:   3 * time.Second,
			SubmitTimeout:  30 * time.Second,
		},
		Endpoints: Endpoints{
			RPCTimeout: 10 * time.Second,
		},
		Intake: Intake{
			DrainInterval:        100 * time.Millisecond,
			DrainBatch:           256,
			InboxCapacity:        10000,
			PendingRetryInterval: 5 * time.Second,
			MaxDecryptAttempts:   12,
			DecryptTimeout:       2 * time.Second,
			DedupeSize:           65536,
			VenueID:              "venue-1",
		},
		Node: Node{
			APIAddr:        ":8080",
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
			LogLevel:       "info",
			FeederInterval: time.Second,
		},
		Attest: Attest{
			Scheme: "ecdsa",
			Buffer: 1024,
		},
		Events: Events{
			KafkaTopic: "cloakbook.attestations",
		},
		P2P: P2P{
			ListenAddr: "/ip4/0.0.0.0/tcp/9000",
			Topic:      "cloakbook-attestations",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Batch.Window = envMillis("BATCH_WINDOW_MS", cfg.Batch.Window)
	cfg.Batch.MaxOrders = envInt("BATCH_MAX_ORDERS", cfg.Batch.MaxOrders)
	cfg.Batch.HistorySize = envInt("BATCH_HISTORY_SIZE", cfg.Batch.HistorySize)

	s := &cfg.Settlement
	s.MinTradeSize = int64(envInt("SETTLEMENT_MIN_TRADE_SIZE", int(s.MinTradeSize)))
	s.MaxSlippageBps = int64(envInt("SETTLEMENT_MAX_SLIPPAGE_BPS", int(s.MaxSlippageBps)))
	s.DepthMarginBps = int64(envInt("SETTLEMENT_DEPTH_MARGIN_BPS", int(s.DepthMarginBps)))
	s.CheckDepth = envBool("SETTLEMENT_CHECK_DEPTH", s.CheckDepth)
	s.BaseAsset = getEnv("SETTLEMENT_BASE_ASSET", s.BaseAsset)
	s.QuoteAsset = getEnv("SETTLEMENT_QUOTE_ASSET", s.QuoteAsset)
	s.PoolID = getEnv("SETTLEMENT_POOL_ID", s.PoolID)
	s.QuoteTimeout = envMillis("SETTLEMENT_QUOTE_TIMEOUT_MS", s.QuoteTimeout)
	s.SubmitTimeout = envMillis("SETTLEMENT_SUBMIT_TIMEOUT_MS", s.SubmitTimeout)

	cfg.Endpoints.LedgerURL = getEnv("LEDGER_RPC_URL", cfg.Endpoints.LedgerURL)
	cfg.Endpoints.VenueURL = getEnv("VENUE_RPC_URL", cfg.Endpoints.VenueURL)
	cfg.Endpoints.TEEURL = getEnv("TEE_RPC_URL", cfg.Endpoints.TEEURL)
	cfg.Endpoints.RPCTimeout = envMillis("RPC_TIMEOUT_MS", cfg.Endpoints.RPCTimeout)

	in := &cfg.Intake
	in.DrainInterval = envMillis("INTAKE_DRAIN_INTERVAL_MS", in.DrainInterval)
	in.DrainBatch = envInt("INTAKE_DRAIN_BATCH", in.DrainBatch)
	in.InboxCapacity = envInt("INTAKE_INBOX_CAPACITY", in.InboxCapacity)
	in.PendingRetryInterval = envMillis("INTAKE_PENDING_RETRY_MS", in.PendingRetryInterval)
	in.MaxDecryptAttempts = envInt("INTAKE_MAX_DECRYPT_ATTEMPTS", in.MaxDecryptAttempts)
	in.DecryptTimeout = envMillis("INTAKE_DECRYPT_TIMEOUT_MS", in.DecryptTimeout)
	in.DedupeSize = envInt("INTAKE_DEDUPE_SIZE", in.DedupeSize)
	in.VenueID = getEnv("VENUE_ID", in.VenueID)
	in.SealingKey = getEnv("SEALING_KEY", in.SealingKey)

	n := &cfg.Node
	n.APIAddr = getEnv("API_ADDR", n.APIAddr)
	n.AllowedOrigins = envList("CORS_ORIGINS", n.AllowedOrigins)
	n.DataDir = getEnv("DATA_DIR", n.DataDir)
	n.WALFile = getEnv("WAL_FILE", n.WALFile)
	n.LogFile = getEnv("LOG_FILE", n.LogFile)
	n.LogLevel = getEnv("LOG_LEVEL", n.LogLevel)
	n.Feeder = envBool("FEEDER_ENABLED", n.Feeder)
	n.FeederInterval = envMillis("FEEDER_INTERVAL_MS", n.FeederInterval)

	cfg.Attest.Scheme = strings.ToLower(getEnv("ATTEST_SCHEME", cfg.Attest.Scheme))
	cfg.Attest.Key = getEnv("ATTEST_KEY", cfg.Attest.Key)
	cfg.Attest.Buffer = envInt("ATTEST_BUFFER", cfg.Attest.Buffer)

	cfg.Events.KafkaBrokers = envList("KAFKA_BROKERS", cfg.Events.KafkaBrokers)
	cfg.Events.KafkaTopic = getEnv("KAFKA_TOPIC", cfg.Events.KafkaTopic)

	cfg.P2P.Enabled = envBool("P2P_ENABLED", cfg.P2P.Enabled)
	cfg.P2P.ListenAddr = getEnv("P2P_LISTEN", cfg.P2P.ListenAddr)
	cfg.P2P.Bootstrap = envList("P2P_BOOTSTRAP", cfg.P2P.Bootstrap)
	cfg.P2P.Topic = getEnv("P2P_TOPIC", cfg.P2P.Topic)

	return cfg
}

// Validate rejects settings the node cannot start with.
func (c Config) Validate() error {
	switch {
	case c.Batch.Window <= 0:
		return fmt.Errorf("batch window must be positive")
	case c.Batch.MaxOrders <= 0:
		return fmt.Errorf("batch max orders must be positive")
	case c.Settlement.MaxSlippageBps < 0 || c.Settlement.MaxSlippageBps > 10000:
		return fmt.Errorf("slippage bps out of range: %d", c.Settlement.MaxSlippageBps)
	case c.Settlement.DepthMarginBps <= 0 || c.Settlement.DepthMarginBps > 10000:
		return fmt.Errorf("depth margin bps out of range: %d", c.Settlement.DepthMarginBps)
	case c.Intake.MaxDecryptAttempts <= 0:
		return fmt.Errorf("max decrypt attempts must be positive")
	case c.Intake.VenueID == "":
		return fmt.Errorf("venue id is required")
	}
	switch c.Attest.Scheme {
	case "ecdsa", "bls":
	default:
		return fmt.Errorf("unknown attestation scheme %q", c.Attest.Scheme)
	}
	return nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func envMillis(key string, def time.Duration) time.Duration {
	if ms, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

func envBool(key string, def bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return def
}

// envList splits a comma-separated value, e.g. "a:9092,b:9092".
func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
