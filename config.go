package markdeck

import "time"

// SiteConfig holds all configuration for a markdeck instance.
type SiteConfig struct {
	Name string // Site name (default "Markdeck")

	Addr         string // Listen address (default ":3001")
	DatabasePath string // SQLite path (default "data/markdeck.db")
	ContentDir   string // Root for mirrored Markdown files (default "content")

	HookTimeout  time.Duration // Deploy-hook request timeout (default 30s)
	PollInterval time.Duration // Default watcher poll interval (default 5s)
}

func (c *SiteConfig) setDefaults() {
	if c.Name == "" {
		c.Name = "Markdeck"
	}
	if c.Addr == "" {
		c.Addr = ":3001"
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "data/markdeck.db"
	}
	if c.ContentDir == "" {
		c.ContentDir = "content"
	}
	if c.HookTimeout == 0 {
		c.HookTimeout = 30 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
}

// Option configures additional App behavior.
type Option func(*App)

// WithCustomRoutes registers additional routes on the Echo instance.
// The callback runs after the built-in routes, before the server starts.
func WithCustomRoutes(fn func(*App)) Option {
	return func(a *App) {
		a.customRoutes = append(a.customRoutes, fn)
	}
}

// WithHookClient overrides the deploy-hook HTTP client (used by tests).
func WithHookClient(h *HookClient) Option {
	return func(a *App) {
		a.hooks = h
	}
}
