package config

import "time"

// Config holds runtime settings for the upload agent.
//
// Fields:
//   - ServerEndpointAddr: host:port of the control-plane gRPC endpoint.
//   - APIToken: access token sent with every control-plane call and chunk.
//   - UploadURL: endpoint the foreground channel posts chunks to.
//   - DatabaseDSN: SQLite file holding the queue. Empty means data/uploads.db
//     below the working directory.
//   - LibraryRoot: directory that asset references are resolved against.
//   - BackgroundThreshold: files of at least this many bytes go through the
//     S3 channel when S3Bucket is set.
//   - SubmitAssets / SubmitDestination: assets queued at startup.
type Config struct {
	ServerEndpointAddr string
	APIToken           string
	UploadURL          string
	DatabaseDSN        string
	LibraryRoot        string

	ChunkSize              int64
	HashAlgorithm          string
	MaxPrepared            int
	MaxConcurrentTransfers int
	MaxConsecutiveFailures int
	BackgroundThreshold    int64
	AllowedMimeTypes       []string
	PruneMissingSources    bool

	S3Bucket       string
	S3Region       string
	S3BaseEndpoint string
	S3AccessKey    string
	S3SecretKey    string
	S3Prefix       string
	S3UsePathStyle bool

	MetricsAddr         string
	DestCacheSize       int
	DestCacheTTL        time.Duration
	OnlineCheckInterval time.Duration
	LogLevel            string

	SubmitAssets      []string
	SubmitDestination string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerEndpointAddr = "127.0.0.1:50051"
	c.UploadURL = "http://127.0.0.1:8080/upload/chunk"
	c.LibraryRoot = "."
	c.ChunkSize = 1 << 20
	c.HashAlgorithm = "md5"
	c.MaxPrepared = 10
	c.MaxConcurrentTransfers = 1
	c.MaxConsecutiveFailures = 5
	c.BackgroundThreshold = 32 << 20
	c.S3Region = "us-east-1"
	c.S3Prefix = "uploads"
	c.MetricsAddr = "127.0.0.1:9090"
	c.DestCacheSize = 1024
	c.DestCacheTTL = time.Hour
	c.OnlineCheckInterval = 3 * time.Second
	c.LogLevel = "info"
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
