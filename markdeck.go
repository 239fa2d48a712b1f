// Package markdeck is a self-hosted publishing backend for Markdown posts and
// Marp slide decks. Content is persisted twice: as relational rows (posts,
// tags, images) in SQLite and as front-matter-annotated Markdown files on
// disk, kept consistent across create/update/delete. A polling directory
// watcher picks up external file edits and re-syncs them into the store, and
// an optional deploy hook notifies an external service after each publish.
package markdeck

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// App is the central markdeck application. It wires together the store, the
// file mirror, the watcher registry, the sync dispatcher, and the HTTP API.
type App struct {
	Config   SiteConfig
	Echo     *echo.Echo
	Store    *Store
	Mirror   *Mirror
	Registry *Registry

	dispatcher   *Dispatcher
	hooks        *HookClient
	customRoutes []func(*App)
}

// New creates a new markdeck App with the given configuration.
func New(cfg SiteConfig, opts ...Option) *App {
	cfg.setDefaults()

	a := &App{
		Config: cfg,
		Echo:   echo.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start initializes the store, mirror, watcher registry, middleware, and
// routes, then starts the HTTP server. It blocks until the server stops.
func (a *App) Start() error {
	store, err := NewStore(a.Config.DatabasePath)
	if err != nil {
		return fmt.Errorf("markdeck: init store: %w", err)
	}
	a.Store = store

	mirror, err := NewMirror(a.Config.ContentDir)
	if err != nil {
		return fmt.Errorf("markdeck: init mirror: %w", err)
	}
	a.Mirror = mirror

	a.Registry = NewRegistry()
	a.dispatcher = NewDispatcher(a.Store, a.Mirror)
	if a.hooks == nil {
		a.hooks = NewHookClient(a.Config.HookTimeout)
	}

	a.setupMiddleware()
	a.setupRoutes()
	for _, fn := range a.customRoutes {
		fn(a)
	}

	if err := a.Echo.Start(a.Config.Addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (a *App) setupRoutes() {
	e := a.Echo

	e.POST("/api/publish", a.handlePublish)
	e.POST("/api/upload", a.handleUpload)
	e.GET("/api/content/:type", a.handleContentList)

	e.GET("/api/posts", a.handleListPosts)
	e.GET("/api/posts/:slug", a.handleGetPost)
	e.PUT("/api/posts/:slug", a.handleUpdatePost)
	e.DELETE("/api/posts/:slug", a.handleDeletePost)

	e.POST("/api/posts/:slug/images", a.handleImageUpload)
	e.GET("/api/posts/:slug/images", a.handleImageList)
	e.DELETE("/api/images/:id", a.handleImageDelete)

	e.POST("/api/watch/start", a.handleWatchStart)
	e.POST("/api/watch/stop", a.handleWatchStop)
	e.GET("/api/watch/status", a.handleWatchStatus)

	e.POST("/api/reconcile", a.handleReconcile)
}

// Close stops all watchers and releases resources. Call on shutdown.
func (a *App) Close() error {
	if a.Registry != nil {
		a.Registry.StopAll()
	}
	if a.Store != nil {
		return a.Store.Close()
	}
	return nil
}
