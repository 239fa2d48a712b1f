package markdeck

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/adrg/frontmatter"
)

// Subdirectories of the content directory.
const (
	postsSubdir         = "posts"
	presentationsSubdir = "presentations"
	imagesSubdir        = "images"
)

// Mirror keeps front-matter Markdown files on disk in sync with post rows.
// Posts live under posts/, Marp decks under presentations/, uploaded assets
// under images/.
type Mirror struct {
	contentDir string
}

// NewMirror creates a Mirror rooted at contentDir, ensuring its
// subdirectories exist.
func NewMirror(contentDir string) (*Mirror, error) {
	for _, sub := range []string{postsSubdir, presentationsSubdir, imagesSubdir} {
		if err := os.MkdirAll(filepath.Join(contentDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create content dir: %w", err)
		}
	}
	return &Mirror{contentDir: contentDir}, nil
}

// ContentDir returns the mirror's root directory.
func (m *Mirror) ContentDir() string { return m.contentDir }

// ImagesDir returns the directory holding uploaded image files.
func (m *Mirror) ImagesDir() string { return filepath.Join(m.contentDir, imagesSubdir) }

// PostsDir returns the directory for the given content type.
func (m *Mirror) PostsDir(contentType string) string {
	if contentType == TypeMarp {
		return filepath.Join(m.contentDir, presentationsSubdir)
	}
	return filepath.Join(m.contentDir, postsSubdir)
}

// FileMeta is the metadata half of a mirrored file.
type FileMeta struct {
	Title         string            `json:"title"`
	Date          time.Time         `json:"date"`
	Description   string            `json:"description,omitempty"`
	Category      string            `json:"category,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Type          string            `json:"type,omitempty"`
	Slug          string            `json:"slug,omitempty"`
	FeaturedImage string            `json:"featuredImage,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// Render produces the mirrored file's path and exact byte content for a post.
// A recorded FilePath wins over the default date-slug name so updates rewrite
// the same file in place.
func (m *Mirror) Render(p Post) (string, []byte) {
	path := p.FilePath
	if path == "" {
		name := fmt.Sprintf("%s-%s.md", p.PublishedAt.UTC().Format("2006-01-02"), p.Slug)
		path = filepath.Join(m.PostsDir(p.Type), name)
	}

	var b bytes.Buffer
	b.WriteString("---\n")
	fmt.Fprintf(&b, "title: %q\n", p.Title)
	fmt.Fprintf(&b, "date: %s\n", p.PublishedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "description: %q\n", p.Meta.Description)
	fmt.Fprintf(&b, "category: %q\n", p.Meta.Category)
	quoted := make([]string, len(p.Tags))
	for i, t := range p.Tags {
		quoted[i] = fmt.Sprintf("%q", t)
	}
	fmt.Fprintf(&b, "tags: [%s]\n", strings.Join(quoted, ", "))
	fmt.Fprintf(&b, "type: %s\n", p.Type)
	fmt.Fprintf(&b, "slug: %s\n", p.Slug)
	if p.Meta.FeaturedImage != "" {
		fmt.Fprintf(&b, "featuredImage: %q\n", p.Meta.FeaturedImage)
	}
	keys := make([]string, 0, len(p.Meta.Extra))
	for k := range p.Meta.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %q\n", k, p.Meta.Extra[k])
	}
	b.WriteString("---\n\n")
	b.WriteString(p.Content)
	return path, b.Bytes()
}

// Write serializes the post to its mirrored file and returns the path. The
// write is skipped when the on-disk bytes already match, so re-syncing an
// unchanged post never bumps the file's modification time.
func (m *Mirror) Write(p Post) (string, error) {
	path, want := m.Render(p)
	if have, err := os.ReadFile(path); err == nil && bytes.Equal(have, want) {
		return path, nil
	}
	if err := os.WriteFile(path, want, 0o644); err != nil {
		return "", fmt.Errorf("write mirror %s: %w", path, err)
	}
	return path, nil
}

// Remove deletes a mirrored file. A file that is already gone counts as
// consistent, not as an error.
func (m *Mirror) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove mirror %s: %w", path, err)
	}
	return nil
}

type frontMatterEnvelope struct {
	Title         string         `yaml:"title"`
	Date          string         `yaml:"date"`
	Description   string         `yaml:"description"`
	Category      string         `yaml:"category"`
	Tags          []string       `yaml:"tags"`
	Type          string         `yaml:"type"`
	Slug          string         `yaml:"slug"`
	FeaturedImage string         `yaml:"featuredImage"`
	Extra         map[string]any `yaml:",inline"`
}

// Parse splits a mirrored file into its metadata and body. Input without a
// front-matter block yields a zero FileMeta and the text verbatim.
func (m *Mirror) Parse(r io.Reader) (FileMeta, string, error) {
	var env frontMatterEnvelope
	body, err := frontmatter.Parse(r, &env)
	if err != nil {
		return FileMeta{}, "", fmt.Errorf("parse front matter: %w", err)
	}
	meta := FileMeta{
		Title:         env.Title,
		Description:   env.Description,
		Category:      env.Category,
		Tags:          env.Tags,
		Type:          env.Type,
		Slug:          env.Slug,
		FeaturedImage: env.FeaturedImage,
	}
	if env.Date != "" {
		if t, err := time.Parse(time.RFC3339, env.Date); err == nil {
			meta.Date = t
		} else if t, err := time.Parse("2006-01-02", env.Date); err == nil {
			meta.Date = t
		}
	}
	if len(env.Extra) > 0 {
		meta.Extra = make(map[string]string, len(env.Extra))
		for k, v := range env.Extra {
			meta.Extra[k] = fmt.Sprint(v)
		}
	}
	return meta, strings.TrimPrefix(string(body), "\n"), nil
}

// ParseFile reads and parses a mirrored file from disk.
func (m *Mirror) ParseFile(path string) (FileMeta, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileMeta{}, "", err
	}
	defer f.Close()
	return m.Parse(f)
}

// FileEntry describes one mirrored file in a content listing.
type FileEntry struct {
	Filename string   `json:"filename"`
	Meta     FileMeta `json:"metadata"`
	Excerpt  string   `json:"excerpt"`
}

const excerptLen = 200

// ListFiles parses every Markdown file in the directory for the given
// content type and returns its metadata plus a short body excerpt.
func (m *Mirror) ListFiles(contentType string) ([]FileEntry, error) {
	dir := m.PostsDir(contentType)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []FileEntry
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		meta, body, err := m.ParseFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		excerpt := body
		if len(excerpt) > excerptLen {
			excerpt = excerpt[:excerptLen] + "..."
		}
		out = append(out, FileEntry{Filename: e.Name(), Meta: meta, Excerpt: excerpt})
	}
	return out, nil
}
