// Package config loads runtime configuration for the upload agent.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file (see parseJson) selected via flags: -c or -config.
//  3. Command-line flags (see parseFlags), which override earlier values.
//
// Supported flags
//
//	-a string   address:port of the control-plane gRPC endpoint
//	-t string   API access token
//	-u string   chunk upload URL
//	-d string   SQLite database file
//	-r string   media library root
//	-s int      chunk size in bytes
//	-i int      online status check interval (seconds)
//	-m string   metrics listen address, empty disables the endpoint
//	-v string   log level (debug, info, warn, error)
//	-b string   S3 bucket for the background channel
//	-f string   comma-separated asset references to queue at startup
//	-o string   destination for the assets given with -f
//
// # JSON schema
//
// Durations use timex.Duration, so values can be either strings like "3s" or
// integer nanoseconds. Keys that are absent keep their previous value:
//
//	{
//	  "server_endpoint_addr": "127.0.0.1:50051",
//	  "api_token": "secret",
//	  "upload_url": "https://gallery.example/upload/chunk",
//	  "database_dsn": "/var/lib/uploader/queue.db",
//	  "library_root": "/srv/media",
//	  "chunk_size": 1048576,
//	  "hash_algorithm": "md5",
//	  "max_prepared": 10,
//	  "max_concurrent_transfers": 1,
//	  "max_consecutive_failures": 5,
//	  "background_threshold": 33554432,
//	  "allowed_mime_types": ["image/*", "video/mp4"],
//	  "prune_missing_sources": false,
//	  "s3": {"bucket": "uploads", "region": "us-east-1", "endpoint": "http://127.0.0.1:9000"},
//	  "metrics_addr": "127.0.0.1:9090",
//	  "dest_cache_size": 1024,
//	  "dest_cache_ttl": "1h",
//	  "online_check_interval": "3s",
//	  "log_level": "info",
//	  "submit": {"assets": ["2024/img_0001.jpg"], "destination": "album-1"}
//	}
//
// Note: This package does not read environment variables directly; use the
// JSON file or flags to configure values.
package config
