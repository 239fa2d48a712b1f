package markdeck

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested post or image does not exist.
var ErrNotFound = sql.ErrNoRows

// ErrDuplicateSlug is returned when creating a post whose slug is already taken.
var ErrDuplicateSlug = errors.New("slug already exists")

// Store wraps a SQLite database and provides CRUD operations for posts, tags,
// and images. Every multi-statement mutation runs inside a transaction.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the SQLite database at path, ensures the data
// directory exists, and runs schema migrations.
func NewStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// WAL for concurrent read/write access, busy_timeout so writers wait
	// instead of failing with SQLITE_BUSY, and foreign_keys so post deletion
	// cascades to post_tags and images at the engine level.
	if _, err := db.Exec(`
		PRAGMA journal_mode=WAL;
		PRAGMA busy_timeout=5000;
		PRAGMA synchronous=NORMAL;
		PRAGMA foreign_keys=ON;
	`); err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS posts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    slug TEXT NOT NULL UNIQUE,
    title TEXT NOT NULL,
    content TEXT NOT NULL,
    type TEXT NOT NULL DEFAULT 'post',
    featured_image TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL DEFAULT '',
    deploy_hook TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT '',
    file_path TEXT UNIQUE,
    published_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS tags (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS post_tags (
    post_id INTEGER NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
    tag_id INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
    PRIMARY KEY (post_id, tag_id)
);
CREATE TABLE IF NOT EXISTS images (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    post_id INTEGER NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
    filename TEXT NOT NULL,
    path TEXT NOT NULL,
    type TEXT NOT NULL,
    created_at TEXT NOT NULL
);
`)
	return err
}

// CreatePost inserts a post row and its tag associations in one transaction
// and returns the new post's id. A slug collision returns ErrDuplicateSlug
// and leaves the store untouched.
func (s *Store) CreatePost(p Post) (int64, error) {
	if p.PublishedAt.IsZero() {
		p.PublishedAt = time.Now().UTC()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.PublishedAt
	}
	if p.Type == "" {
		p.Type = TypePost
	}
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`INSERT INTO posts (slug, title, content, type, featured_image, description, category, deploy_hook, metadata, file_path, published_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Slug, p.Title, p.Content, p.Type,
		p.Meta.FeaturedImage, p.Meta.Description, p.Meta.Category, p.Meta.DeployHook,
		encodeExtra(p.Meta.Extra), nullable(p.FilePath),
		p.PublishedAt.Format(time.RFC3339), p.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		if isUniqueViolation(err, "posts.slug") {
			return 0, ErrDuplicateSlug
		}
		return 0, fmt.Errorf("insert post: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if err := linkTags(tx, id, p.Tags); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// linkTags resolves tag names to ids inside tx and associates them with
// postID: query which names already exist, insert the missing ones (a
// uniqueness conflict from a concurrent writer counts as "already exists"),
// then link the full resolved set.
func linkTags(tx *sql.Tx, postID int64, tags []string) error {
	tags = dedupe(FilterEmpty(tags))
	if len(tags) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tags)), ",")
	args := make([]any, len(tags))
	for i, t := range tags {
		args[i] = t
	}

	existing := make(map[string]struct{})
	rows, err := tx.Query(`SELECT name FROM tags WHERE name IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("query tags: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		existing[name] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, t := range tags {
		if _, ok := existing[t]; ok {
			continue
		}
		if _, err := tx.Exec(`INSERT OR IGNORE INTO tags (name) VALUES (?)`, t); err != nil {
			return fmt.Errorf("insert tag %q: %w", t, err)
		}
	}

	rows, err = tx.Query(`SELECT id FROM tags WHERE name IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("resolve tag ids: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, tagID := range ids {
		if _, err := tx.Exec(`INSERT INTO post_tags (post_id, tag_id) VALUES (?, ?)`, postID, tagID); err != nil {
			return fmt.Errorf("link tag: %w", err)
		}
	}
	return nil
}

const postColumns = `id, slug, title, content, type, featured_image, description, category, deploy_hook, metadata, file_path, published_at, updated_at`

func scanPost(row interface{ Scan(...any) error }) (Post, error) {
	var p Post
	var extra string
	var filePath sql.NullString
	var published, updated string
	err := row.Scan(&p.ID, &p.Slug, &p.Title, &p.Content, &p.Type,
		&p.Meta.FeaturedImage, &p.Meta.Description, &p.Meta.Category, &p.Meta.DeployHook,
		&extra, &filePath, &published, &updated)
	if err != nil {
		return Post{}, err
	}
	p.Meta.Extra = decodeExtra(extra)
	p.FilePath = filePath.String
	p.PublishedAt, _ = time.Parse(time.RFC3339, published)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return p, nil
}

// GetPost returns the post with the given slug plus its resolved tag names,
// or ErrNotFound if no row matches.
func (s *Store) GetPost(slug string) (Post, error) {
	p, err := scanPost(s.db.QueryRow(`SELECT `+postColumns+` FROM posts WHERE slug = ?`, slug))
	if err != nil {
		return Post{}, err
	}
	p.Tags, err = s.postTags(p.ID)
	if err != nil {
		return Post{}, err
	}
	return p, nil
}

// GetPostByPath returns the post whose mirrored file is path, or ErrNotFound.
func (s *Store) GetPostByPath(path string) (Post, error) {
	p, err := scanPost(s.db.QueryRow(`SELECT `+postColumns+` FROM posts WHERE file_path = ?`, path))
	if err != nil {
		return Post{}, err
	}
	p.Tags, err = s.postTags(p.ID)
	if err != nil {
		return Post{}, err
	}
	return p, nil
}

func (s *Store) postTags(postID int64) ([]string, error) {
	rows, err := s.db.Query(`SELECT t.name FROM tags t
		JOIN post_tags pt ON pt.tag_id = t.id
		WHERE pt.post_id = ? ORDER BY t.name`, postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tags = append(tags, name)
	}
	return tags, rows.Err()
}

// UpdatePost transactionally updates the post's fields (refreshing
// updated_at) and replaces its tag set entirely with p.Tags. The slug itself
// is immutable. Returns the post's id, or ErrNotFound.
func (s *Store) UpdatePost(slug string, p Post) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE posts SET title = ?, content = ?, type = ?, featured_image = ?, description = ?, category = ?, deploy_hook = ?, metadata = ?, updated_at = ? WHERE slug = ?`,
		p.Title, p.Content, p.Type,
		p.Meta.FeaturedImage, p.Meta.Description, p.Meta.Category, p.Meta.DeployHook,
		encodeExtra(p.Meta.Extra), time.Now().UTC().Format(time.RFC3339), slug)
	if err != nil {
		return 0, fmt.Errorf("update post: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}
	var id int64
	if err := tx.QueryRow(`SELECT id FROM posts WHERE slug = ?`, slug).Scan(&id); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`DELETE FROM post_tags WHERE post_id = ?`, id); err != nil {
		return 0, fmt.Errorf("clear tags: %w", err)
	}
	if err := linkTags(tx, id, p.Tags); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// SetFilePath records the mirrored file location for a post.
func (s *Store) SetFilePath(id int64, path string) error {
	_, err := s.db.Exec(`UPDATE posts SET file_path = ? WHERE id = ?`, nullable(path), id)
	return err
}

// DeletePost deletes the post row; tag associations and owned image rows
// cascade at the engine level. Returns ErrNotFound if the slug is unknown.
func (s *Store) DeletePost(slug string) error {
	res, err := s.db.Exec(`DELETE FROM posts WHERE slug = ?`, slug)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListFilter narrows and pages ListPosts results. Zero values mean "no
// constraint" (Limit 0 returns everything).
type ListFilter struct {
	Type   string
	Tag    string
	Limit  int
	Offset int
}

// ListPosts returns posts ordered by publish time descending, optionally
// filtered by type and/or tag membership, with limit/offset pagination. Each
// post's tags are aggregated into a single list.
func (s *Store) ListPosts(f ListFilter) ([]Post, error) {
	query := `SELECT p.id, p.slug, p.title, p.content, p.type, p.featured_image, p.description, p.category, p.deploy_hook, p.metadata, p.file_path, p.published_at, p.updated_at,
		COALESCE(GROUP_CONCAT(t.name), '')
		FROM posts p
		LEFT JOIN post_tags pt ON pt.post_id = p.id
		LEFT JOIN tags t ON t.id = pt.tag_id`
	var where []string
	var args []any
	if f.Type != "" {
		where = append(where, `p.type = ?`)
		args = append(args, f.Type)
	}
	if f.Tag != "" {
		where = append(where, `EXISTS (SELECT 1 FROM post_tags pt2 JOIN tags t2 ON t2.id = pt2.tag_id WHERE pt2.post_id = p.id AND t2.name = ?)`)
		args = append(args, f.Tag)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` GROUP BY p.id ORDER BY p.published_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []Post
	for rows.Next() {
		var p Post
		var extra, tagList string
		var filePath sql.NullString
		var published, updated string
		if err := rows.Scan(&p.ID, &p.Slug, &p.Title, &p.Content, &p.Type,
			&p.Meta.FeaturedImage, &p.Meta.Description, &p.Meta.Category, &p.Meta.DeployHook,
			&extra, &filePath, &published, &updated, &tagList); err != nil {
			return nil, err
		}
		p.Meta.Extra = decodeExtra(extra)
		p.FilePath = filePath.String
		p.PublishedAt, _ = time.Parse(time.RFC3339, published)
		p.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		if tagList != "" {
			p.Tags = strings.Split(tagList, ",")
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// AddImage inserts an image row and returns its id.
func (s *Store) AddImage(img Image) (int64, error) {
	if img.CreatedAt.IsZero() {
		img.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.Exec(`INSERT INTO images (post_id, filename, path, type, created_at) VALUES (?, ?, ?, ?, ?)`,
		img.PostID, img.Filename, img.Path, img.Type, img.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("insert image: %w", err)
	}
	return res.LastInsertId()
}

// GetImage returns a single image row by id, or ErrNotFound.
func (s *Store) GetImage(id int64) (Image, error) {
	var img Image
	var created string
	err := s.db.QueryRow(`SELECT id, post_id, filename, path, type, created_at FROM images WHERE id = ?`, id).
		Scan(&img.ID, &img.PostID, &img.Filename, &img.Path, &img.Type, &created)
	if err != nil {
		return Image{}, err
	}
	img.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return img, nil
}

// PostImages returns all images owned by the given post.
func (s *Store) PostImages(postID int64) ([]Image, error) {
	rows, err := s.db.Query(`SELECT id, post_id, filename, path, type, created_at FROM images WHERE post_id = ? ORDER BY id`, postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var images []Image
	for rows.Next() {
		var img Image
		var created string
		if err := rows.Scan(&img.ID, &img.PostID, &img.Filename, &img.Path, &img.Type, &created); err != nil {
			return nil, err
		}
		img.CreatedAt, _ = time.Parse(time.RFC3339, created)
		images = append(images, img)
	}
	return images, rows.Err()
}

// DeleteImage removes an image row. The backing file is the caller's to clean up.
func (s *Store) DeleteImage(id int64) error {
	res, err := s.db.Exec(`DELETE FROM images WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func encodeExtra(extra map[string]string) string {
	if len(extra) == 0 {
		return ""
	}
	b, err := json.Marshal(extra)
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeExtra(s string) map[string]string {
	if s == "" {
		return nil
	}
	var extra map[string]string
	if err := json.Unmarshal([]byte(s), &extra); err != nil {
		return nil
	}
	return extra
}

func isUniqueViolation(err error, column string) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") && strings.Contains(msg, strings.ToLower(column))
}
