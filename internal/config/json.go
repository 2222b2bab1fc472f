package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/gophupload/internal/flagx"
	"github.com/dmitrijs2005/gophupload/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. Pointer and
// slice fields stay nil when the key is absent, so the file only overrides
// what it names.
type JsonConfig struct {
	ServerEndpointAddr string `json:"server_endpoint_addr"`
	APIToken           string `json:"api_token"`
	UploadURL          string `json:"upload_url"`
	DatabaseDSN        string `json:"database_dsn"`
	LibraryRoot        string `json:"library_root"`

	ChunkSize              int64    `json:"chunk_size"`
	HashAlgorithm          string   `json:"hash_algorithm"`
	MaxPrepared            int      `json:"max_prepared"`
	MaxConcurrentTransfers int      `json:"max_concurrent_transfers"`
	MaxConsecutiveFailures int      `json:"max_consecutive_failures"`
	BackgroundThreshold    int64    `json:"background_threshold"`
	AllowedMimeTypes       []string `json:"allowed_mime_types"`
	PruneMissingSources    *bool    `json:"prune_missing_sources"`

	S3 *struct {
		Bucket       string `json:"bucket"`
		Region       string `json:"region"`
		Endpoint     string `json:"endpoint"`
		AccessKey    string `json:"access_key"`
		SecretKey    string `json:"secret_key"`
		Prefix       string `json:"prefix"`
		UsePathStyle bool   `json:"use_path_style"`
	} `json:"s3"`

	MetricsAddr         *string         `json:"metrics_addr"`
	DestCacheSize       int             `json:"dest_cache_size"`
	DestCacheTTL        *timex.Duration `json:"dest_cache_ttl"`
	OnlineCheckInterval *timex.Duration `json:"online_check_interval"`
	LogLevel            string          `json:"log_level"`

	Submit *struct {
		Assets      []string `json:"assets"`
		Destination string   `json:"destination"`
	} `json:"submit"`
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt[T int | int64](dst *T, v T) {
	if v > 0 {
		*dst = v
	}
}

// parseJson overlays Config with values loaded from a JSON file.
//
// The file path comes from the -c or -config flag via flagx.JsonConfigFlags;
// without it nothing is loaded. Read and unmarshal errors panic.
//
// Intended usage is: defaults -> parseJson -> parseFlags, where later stages
// override earlier ones.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	setString(&cfg.ServerEndpointAddr, jc.ServerEndpointAddr)
	setString(&cfg.APIToken, jc.APIToken)
	setString(&cfg.UploadURL, jc.UploadURL)
	setString(&cfg.DatabaseDSN, jc.DatabaseDSN)
	setString(&cfg.LibraryRoot, jc.LibraryRoot)

	setInt(&cfg.ChunkSize, jc.ChunkSize)
	setString(&cfg.HashAlgorithm, jc.HashAlgorithm)
	setInt(&cfg.MaxPrepared, jc.MaxPrepared)
	setInt(&cfg.MaxConcurrentTransfers, jc.MaxConcurrentTransfers)
	setInt(&cfg.MaxConsecutiveFailures, jc.MaxConsecutiveFailures)
	setInt(&cfg.BackgroundThreshold, jc.BackgroundThreshold)
	if jc.AllowedMimeTypes != nil {
		cfg.AllowedMimeTypes = jc.AllowedMimeTypes
	}
	if jc.PruneMissingSources != nil {
		cfg.PruneMissingSources = *jc.PruneMissingSources
	}

	if s3 := jc.S3; s3 != nil {
		setString(&cfg.S3Bucket, s3.Bucket)
		setString(&cfg.S3Region, s3.Region)
		setString(&cfg.S3BaseEndpoint, s3.Endpoint)
		setString(&cfg.S3AccessKey, s3.AccessKey)
		setString(&cfg.S3SecretKey, s3.SecretKey)
		setString(&cfg.S3Prefix, s3.Prefix)
		cfg.S3UsePathStyle = s3.UsePathStyle
	}

	if jc.MetricsAddr != nil {
		cfg.MetricsAddr = *jc.MetricsAddr
	}
	setInt(&cfg.DestCacheSize, jc.DestCacheSize)
	if jc.DestCacheTTL != nil {
		cfg.DestCacheTTL = jc.DestCacheTTL.Duration
	}
	if jc.OnlineCheckInterval != nil {
		cfg.OnlineCheckInterval = jc.OnlineCheckInterval.Duration
	}
	setString(&cfg.LogLevel, jc.LogLevel)

	if sub := jc.Submit; sub != nil {
		cfg.SubmitAssets = sub.Assets
		setString(&cfg.SubmitDestination, sub.Destination)
	}
}
