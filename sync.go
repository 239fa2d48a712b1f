package markdeck

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Dispatcher consumes watcher events and reconciles them into the store and
// mirror: added files become posts, modified files update them, removed files
// delete them. Every file is processed independently; a failure is logged and
// never aborts the scan that produced it.
type Dispatcher struct {
	store  *Store
	mirror *Mirror
	logf   func(format string, args ...any)
}

// NewDispatcher creates a Dispatcher over the given store and mirror.
func NewDispatcher(store *Store, mirror *Mirror) *Dispatcher {
	return &Dispatcher{store: store, mirror: mirror, logf: log.Printf}
}

// HandleEvent is the watcher handler; each call reconciles one file.
func (d *Dispatcher) HandleEvent(ev Event) {
	var err error
	switch ev.Op {
	case OpAdd:
		err = d.fileAdded(ev.Path)
	case OpChange:
		err = d.fileChanged(ev.Path)
	case OpUnlink:
		err = d.fileRemoved(ev.Path)
	case OpError:
		d.logf("markdeck: watcher: %v", ev.Err)
		return
	}
	if err != nil {
		d.logf("markdeck: sync %s (%s): %v", ev.Path, ev.Op, err)
	}
}

func (d *Dispatcher) fileAdded(path string) error {
	p, err := d.postFromFile(path)
	if err != nil {
		return err
	}
	if _, err := d.store.CreatePost(p); err != nil {
		// A watcher restart re-emits adds for files already synced; fold
		// those into updates so re-sync stays idempotent.
		if !errors.Is(err, ErrDuplicateSlug) {
			return err
		}
		if _, err := d.store.UpdatePost(p.Slug, p); err != nil {
			return err
		}
	}
	return d.writeMirror(p.Slug)
}

func (d *Dispatcher) fileChanged(path string) error {
	p, err := d.postFromFile(path)
	if err != nil {
		return err
	}
	if _, err := d.store.UpdatePost(p.Slug, p); err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		if _, err := d.store.CreatePost(p); err != nil {
			return err
		}
	}
	return d.writeMirror(p.Slug)
}

func (d *Dispatcher) fileRemoved(path string) error {
	p, err := d.store.GetPostByPath(path)
	if errors.Is(err, ErrNotFound) {
		// Not a mirror file; fall back to the filename stem as slug.
		p, err = d.store.GetPost(slugFromFilename(path))
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil // already consistent
		}
		return err
	}
	if err := d.store.DeletePost(p.Slug); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return d.mirror.Remove(p.FilePath)
}

// postFromFile reads a watched file and builds the post it describes. Files
// without front matter get defaults synthesized from the filename.
func (d *Dispatcher) postFromFile(path string) (Post, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Post{}, fmt.Errorf("read file: %w", err)
	}
	meta, body, err := d.mirror.Parse(strings.NewReader(string(data)))
	if err != nil {
		d.logf("markdeck: sync %s: bad front matter, using filename defaults: %v", path, err)
		meta, body = FileMeta{}, string(data)
	}
	if meta.Title == "" {
		meta.Title = TitleFromFilename(path)
	}
	if meta.Type == "" {
		meta.Type = ContentTypeFromFilename(path)
	}
	if meta.Date.IsZero() {
		meta.Date = time.Now().UTC()
	}
	slug := meta.Slug
	if slug == "" {
		slug = Slugify(meta.Title)
	}
	return Post{
		Slug:        slug,
		Title:       meta.Title,
		Content:     body,
		Type:        meta.Type,
		Tags:        meta.Tags,
		PublishedAt: meta.Date,
		Meta: Metadata{
			Description:   meta.Description,
			Category:      meta.Category,
			FeaturedImage: meta.FeaturedImage,
			Extra:         meta.Extra,
		},
	}, nil
}

func (d *Dispatcher) writeMirror(slug string) error {
	_, err := syncMirror(d.store, d.mirror, slug)
	return err
}

// syncMirror rewrites the post's mirrored file (a no-op when the bytes
// already match) and records the file_path linkage when it changes. Both the
// dispatcher and the publish handlers finish their write paths here.
func syncMirror(store *Store, mirror *Mirror, slug string) (string, error) {
	p, err := store.GetPost(slug)
	if err != nil {
		return "", err
	}
	path, err := mirror.Write(p)
	if err != nil {
		return "", err
	}
	if p.FilePath != path {
		if err := store.SetFilePath(p.ID, path); err != nil {
			return "", err
		}
	}
	return path, nil
}

// TitleFromFilename derives a display title from a file path: extension
// stripped, hyphens to spaces, words capitalized.
func TitleFromFilename(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	words := strings.Split(strings.ReplaceAll(base, "-", " "), " ")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// ContentTypeFromFilename infers the content type from a filename
// convention: anything containing "marp" is a presentation.
func ContentTypeFromFilename(path string) string {
	if strings.Contains(strings.ToLower(filepath.Base(path)), "marp") {
		return TypeMarp
	}
	return TypePost
}

func slugFromFilename(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}
