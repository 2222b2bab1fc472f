package config

import (
	"flag"
	"os"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophupload/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
// See the package documentation for the list.
//
// Note: The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-t", "-u", "-d", "-r", "-s", "-i", "-m", "-v", "-b", "-f", "-o"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerEndpointAddr, "a", cfg.ServerEndpointAddr, "address and port of the control plane")
	fs.StringVar(&cfg.APIToken, "t", cfg.APIToken, "API access token")
	fs.StringVar(&cfg.UploadURL, "u", cfg.UploadURL, "chunk upload URL")
	fs.StringVar(&cfg.DatabaseDSN, "d", cfg.DatabaseDSN, "queue database file")
	fs.StringVar(&cfg.LibraryRoot, "r", cfg.LibraryRoot, "media library root")
	fs.Int64Var(&cfg.ChunkSize, "s", cfg.ChunkSize, "chunk size (in bytes)")
	onlineCheckInterval := fs.Int("i", int(cfg.OnlineCheckInterval.Seconds()), "online check interval (in seconds)")
	fs.StringVar(&cfg.MetricsAddr, "m", cfg.MetricsAddr, "metrics listen address")
	fs.StringVar(&cfg.LogLevel, "v", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.S3Bucket, "b", cfg.S3Bucket, "S3 bucket for large files")
	assets := fs.String("f", strings.Join(cfg.SubmitAssets, ","), "comma-separated assets to upload")
	fs.StringVar(&cfg.SubmitDestination, "o", cfg.SubmitDestination, "destination of submitted assets")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.OnlineCheckInterval = time.Duration(*onlineCheckInterval) * time.Second
	cfg.SubmitAssets = splitList(*assets)
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
