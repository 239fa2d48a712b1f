package markdeck

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// PublishRequest is the body for POST /api/publish and PUT /api/posts/:slug.
type PublishRequest struct {
	Type     string          `json:"type"`
	Content  string          `json:"content"`
	Metadata PublishMetadata `json:"metadata"`
}

// PublishMetadata is the request-side metadata shape. Tags arrive as a
// comma-separated string, matching what the editor form submits.
type PublishMetadata struct {
	Title         string            `json:"title"`
	Description   string            `json:"description"`
	Category      string            `json:"category"`
	Tags          string            `json:"tags"`
	Slug          string            `json:"slug,omitempty"`
	FeaturedImage string            `json:"featuredImage,omitempty"`
	DeployHook    string            `json:"deployHook,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func jsonError(c echo.Context, code int, msg string) error {
	return c.JSON(code, errorResponse{Error: msg})
}

// normalizeType maps request type strings onto the stored content types.
// The editor sends "presentation" for Marp decks.
func normalizeType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case TypeMarp, "presentation", "presentations":
		return TypeMarp
	default:
		return TypePost
	}
}

func postFromRequest(req PublishRequest) Post {
	slug := strings.TrimSpace(req.Metadata.Slug)
	if slug == "" {
		slug = Slugify(req.Metadata.Title)
	}
	return Post{
		Slug:    slug,
		Title:   strings.TrimSpace(req.Metadata.Title),
		Content: req.Content,
		Type:    normalizeType(req.Type),
		Tags:    SplitTags(req.Metadata.Tags),
		Meta: Metadata{
			Description:   req.Metadata.Description,
			Category:      req.Metadata.Category,
			FeaturedImage: req.Metadata.FeaturedImage,
			DeployHook:    req.Metadata.DeployHook,
			Extra:         req.Metadata.Extra,
		},
	}
}

// handlePublish creates a post: one transaction for the row and its tags,
// then the mirrored file write, then the optional deploy hook. The DB/file
// pair is written in sequence, not atomically; POST /api/reconcile repairs
// the gap if the process dies between the two.
func (a *App) handlePublish(c echo.Context) error {
	var req PublishRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Metadata.Title) == "" {
		return jsonError(c, http.StatusBadRequest, "title is required")
	}
	if req.Content == "" {
		return jsonError(c, http.StatusBadRequest, "content is required")
	}
	p := postFromRequest(req)
	if p.Slug == "" {
		return jsonError(c, http.StatusBadRequest, "could not derive a slug from title")
	}
	p.PublishedAt = time.Now().UTC()

	id, err := a.Store.CreatePost(p)
	if err != nil {
		if errors.Is(err, ErrDuplicateSlug) {
			return jsonError(c, http.StatusConflict, fmt.Sprintf("slug %q already exists", p.Slug))
		}
		return err
	}
	path, err := syncMirror(a.Store, a.Mirror, p.Slug)
	if err != nil {
		c.Logger().Errorf("mirror write for %s failed: %v", p.Slug, err)
		return jsonError(c, http.StatusInternalServerError, "post saved but mirror file write failed; run reconcile")
	}

	if hook := p.Meta.DeployHook; hook != "" {
		if err := a.hooks.Trigger(hook, p.Type, filepath.Base(path)); err != nil {
			c.Logger().Errorf("deploy hook for %s failed: %v", p.Slug, err)
			return jsonError(c, http.StatusBadGateway, "content was saved but the deploy hook failed")
		}
	}

	return c.JSON(http.StatusCreated, map[string]any{
		"success":  true,
		"id":       id,
		"slug":     p.Slug,
		"filePath": path,
	})
}

func (a *App) handleGetPost(c echo.Context) error {
	post, err := a.Store.GetPost(c.Param("slug"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return jsonError(c, http.StatusNotFound, "post not found")
		}
		return err
	}
	return c.JSON(http.StatusOK, post)
}

func (a *App) handleListPosts(c echo.Context) error {
	var f ListFilter
	if t := c.QueryParam("type"); t != "" {
		f.Type = normalizeType(t)
	}
	f.Tag = c.QueryParam("tag")
	f.Limit, _ = strconv.Atoi(c.QueryParam("limit"))
	f.Offset, _ = strconv.Atoi(c.QueryParam("offset"))
	posts, err := a.Store.ListPosts(f)
	if err != nil {
		return err
	}
	if posts == nil {
		posts = []Post{}
	}
	return c.JSON(http.StatusOK, posts)
}

func (a *App) handleUpdatePost(c echo.Context) error {
	slug := c.Param("slug")
	var req PublishRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Metadata.Title) == "" {
		return jsonError(c, http.StatusBadRequest, "title is required")
	}
	p := postFromRequest(req)

	id, err := a.Store.UpdatePost(slug, p)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return jsonError(c, http.StatusNotFound, "post not found")
		}
		return err
	}
	path, err := syncMirror(a.Store, a.Mirror, slug)
	if err != nil {
		c.Logger().Errorf("mirror write for %s failed: %v", slug, err)
		return jsonError(c, http.StatusInternalServerError, "post saved but mirror file write failed; run reconcile")
	}

	if hook := p.Meta.DeployHook; hook != "" {
		if err := a.hooks.Trigger(hook, p.Type, filepath.Base(path)); err != nil {
			c.Logger().Errorf("deploy hook for %s failed: %v", slug, err)
			return jsonError(c, http.StatusBadGateway, "content was saved but the deploy hook failed")
		}
	}

	return c.JSON(http.StatusOK, map[string]any{"success": true, "id": id, "slug": slug})
}

// handleDeletePost removes the row (tag links and image rows cascade), the
// posts's image files, and the mirrored file. A missing mirror file is fine.
func (a *App) handleDeletePost(c echo.Context) error {
	slug := c.Param("slug")
	post, err := a.Store.GetPost(slug)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return jsonError(c, http.StatusNotFound, "post not found")
		}
		return err
	}
	images, err := a.Store.PostImages(post.ID)
	if err != nil {
		return err
	}
	if err := a.Store.DeletePost(slug); err != nil {
		return err
	}
	for _, img := range images {
		if err := os.Remove(img.Path); err != nil && !os.IsNotExist(err) {
			c.Logger().Errorf("remove image %s: %v", img.Path, err)
		}
	}
	if err := a.Mirror.Remove(post.FilePath); err != nil {
		c.Logger().Errorf("remove mirror for %s: %v", slug, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

// handleUpload parses an uploaded Markdown file into {content, metadata} so
// the editor can prefill its form. Nothing is persisted.
func (a *App) handleUpload(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return jsonError(c, http.StatusBadRequest, "no file provided")
	}
	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	meta, body, err := a.Mirror.Parse(src)
	if err != nil {
		return jsonError(c, http.StatusBadRequest, "could not parse file: "+err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"content":  body,
		"metadata": meta,
	})
}

// handleContentList lists the mirrored files of one content type with their
// front matter and a short excerpt.
func (a *App) handleContentList(c echo.Context) error {
	entries, err := a.Mirror.ListFiles(normalizeType(c.Param("type")))
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []FileEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

func (a *App) handleImageUpload(c echo.Context) error {
	post, err := a.Store.GetPost(c.Param("slug"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return jsonError(c, http.StatusNotFound, "post not found")
		}
		return err
	}
	file, err := c.FormFile("image")
	if err != nil {
		return jsonError(c, http.StatusBadRequest, "no image file provided")
	}
	if file.Size > maxUploadSize {
		return jsonError(c, http.StatusBadRequest, "file too large (max 10MB)")
	}
	imageType := c.FormValue("type")
	switch imageType {
	case ImageFeatured, ImageContent, ImageMarp:
	case "":
		imageType = ImageContent
	default:
		return jsonError(c, http.StatusBadRequest, "invalid image type")
	}

	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	filename, data, err := processImage(src, file.Filename)
	if err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid image: "+err.Error())
	}
	dir := a.Mirror.ImagesDir()
	filename = ensureUniqueFilename(dir, filename)
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write image: %w", err)
	}

	img := Image{PostID: post.ID, Filename: filename, Path: path, Type: imageType}
	id, err := a.Store.AddImage(img)
	if err != nil {
		return err
	}
	img.ID = id
	return c.JSON(http.StatusCreated, img)
}

func (a *App) handleImageList(c echo.Context) error {
	post, err := a.Store.GetPost(c.Param("slug"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return jsonError(c, http.StatusNotFound, "post not found")
		}
		return err
	}
	images, err := a.Store.PostImages(post.ID)
	if err != nil {
		return err
	}
	if images == nil {
		images = []Image{}
	}
	return c.JSON(http.StatusOK, images)
}

// handleImageDelete removes the image row and its backing file.
func (a *App) handleImageDelete(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid image id")
	}
	img, err := a.Store.GetImage(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return jsonError(c, http.StatusNotFound, "image not found")
		}
		return err
	}
	if err := os.Remove(img.Path); err != nil && !os.IsNotExist(err) {
		c.Logger().Errorf("remove image %s: %v", img.Path, err)
	}
	if err := a.Store.DeleteImage(id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

type watchRequest struct {
	Path     string `json:"path"`
	Interval int    `json:"interval"` // milliseconds; 0 uses the configured default
}

type watchStatusEntry struct {
	Path      string    `json:"path"`
	Interval  int64     `json:"interval"` // milliseconds
	LastCheck time.Time `json:"lastCheck"`
}

func (a *App) handleWatchStart(c echo.Context) error {
	var req watchRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid request body")
	}
	if req.Path == "" {
		return jsonError(c, http.StatusBadRequest, "path is required")
	}
	interval := a.Config.PollInterval
	if req.Interval > 0 {
		interval = time.Duration(req.Interval) * time.Millisecond
	}
	if err := a.Registry.Watch(req.Path, interval, a.dispatcher.HandleEvent); err != nil {
		if errors.Is(err, ErrAlreadyWatched) {
			return jsonError(c, http.StatusConflict, "directory is already being watched")
		}
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

func (a *App) handleWatchStop(c echo.Context) error {
	var req watchRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid request body")
	}
	if err := a.Registry.Stop(req.Path); err != nil {
		if errors.Is(err, ErrNotWatched) {
			return jsonError(c, http.StatusNotFound, "directory is not being watched")
		}
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

func (a *App) handleWatchStatus(c echo.Context) error {
	statuses := a.Registry.Status()
	out := make([]watchStatusEntry, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, watchStatusEntry{
			Path:      s.Dir,
			Interval:  s.Interval.Milliseconds(),
			LastCheck: s.LastCheck,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (a *App) handleReconcile(c echo.Context) error {
	report, err := a.Reconcile()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}
