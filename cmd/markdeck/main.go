// Command markdeck runs the publishing backend: the JSON API, the content
// mirror, and the directory watcher registry. All configuration comes from
// environment variables.
package main

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/eringen/markdeck"
)

func main() {
	cfg := markdeck.SiteConfig{
		Name:         envOr("SITE_NAME", "Markdeck"),
		Addr:         envOr("ADDR", ":3001"),
		DatabasePath: envOr("DATABASE_PATH", "data/markdeck.db"),
		ContentDir:   envOr("CONTENT_DIR", "content"),
		PollInterval: envDuration("WATCH_INTERVAL", 5*time.Second),
	}

	app := markdeck.New(cfg)
	defer app.Close()

	log.Printf("markdeck listening on %s (content: %s)", cfg.Addr, cfg.ContentDir)
	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return d
}
