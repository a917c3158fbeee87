package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Node struct {
	// ID is the identity carried in orderAdded broadcasts. Empty means the libp2p peer ID.
	ID         string
	ListenAddr string
	Bootstrap  []string
	EnableMDNS bool
	APIAddr    string
	LogFile    string
	Verbose    bool
}

type Market struct {
	Symbol string
}

type Lock struct {
	// RequestTimeout bounds how long a node waits in the lock queue.
	RequestTimeout time.Duration
	ReleaseTimeout time.Duration
	// ReleaseRetries is how many extra release attempts are made before giving up.
	ReleaseRetries int
	// LeaseTTL force-releases a grant whose holder never releases it. Zero disables the lease.
	LeaseTTL time.Duration
	// LeaseClampedFrom is the configured lease when LoadFromEnv raised it to MinLeaseTTL.
	LeaseClampedFrom time.Duration
}

type Replication struct {
	BroadcastTimeout time.Duration
}

type Storage struct {
	// JournalPath selects the pebble journal; empty keeps history in memory.
	JournalPath string
}

type Config struct {
	Node        Node
	Market      Market
	Lock        Lock
	Replication Replication
	Storage     Storage
}

func Default() Config {
	return Config{
		Node: Node{
			ListenAddr: "/ip4/0.0.0.0/tcp/0",
			EnableMDNS: true,
			APIAddr:    ":8080",
			LogFile:    "data/node.log",
		},
		Market: Market{
			Symbol: "BTC/USDT",
		},
		Lock: Lock{
			RequestTimeout: 10 * time.Second,
			ReleaseTimeout: 5 * time.Second,
			ReleaseRetries: 2,
			LeaseTTL:       30 * time.Second,
		},
		Replication: Replication{
			BroadcastTimeout: 10 * time.Second,
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

	cfg.Node.ID = getEnv("NODE_ID", cfg.Node.ID)
	cfg.Node.ListenAddr = getEnv("LISTEN", cfg.Node.ListenAddr)
	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.EnableMDNS = getBool("ENABLE_MDNS", cfg.Node.EnableMDNS)
	cfg.Node.Verbose = getBool("VERBOSE", cfg.Node.Verbose)
	if bs := os.Getenv("BOOTSTRAP"); bs != "" {
		cfg.Node.Bootstrap = splitList(bs)
	}

	cfg.Market.Symbol = getEnv("SYMBOL", cfg.Market.Symbol)

	cfg.Lock.RequestTimeout = getMillis("LOCK_TIMEOUT_MS", cfg.Lock.RequestTimeout)
	cfg.Lock.ReleaseTimeout = getMillis("RELEASE_TIMEOUT_MS", cfg.Lock.ReleaseTimeout)
	cfg.Lock.LeaseTTL = getMillis("LOCK_LEASE_MS", cfg.Lock.LeaseTTL)
	if n := os.Getenv("RELEASE_RETRIES"); n != "" {
		if v, err := strconv.Atoi(n); err == nil && v >= 0 {
			cfg.Lock.ReleaseRetries = v
		}
	}

	cfg.Replication.BroadcastTimeout = getMillis("BROADCAST_TIMEOUT_MS", cfg.Replication.BroadcastTimeout)

	cfg.Storage.JournalPath = getEnv("JOURNAL_PATH", cfg.Storage.JournalPath)

	if cfg.Lock.LeaseTTL > 0 {
		if floor := cfg.MinLeaseTTL(); cfg.Lock.LeaseTTL < floor {
			cfg.Lock.LeaseClampedFrom = cfg.Lock.LeaseTTL
			cfg.Lock.LeaseTTL = floor
		}
	}

	return cfg
}

// MinLeaseTTL is the shortest lease that outlives a holder's critical
// section: the broadcast, every release attempt, and one second of slack.
func (c Config) MinLeaseTTL() time.Duration {
	attempts := time.Duration(c.Lock.ReleaseRetries + 1)
	return c.Replication.BroadcastTimeout + attempts*c.Lock.ReleaseTimeout + time.Second
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true"
	}
	return defaultValue
}

func getMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
