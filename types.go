package markdeck

import "time"

// Content types stored in the posts.type column.
const (
	TypePost = "post"
	TypeMarp = "marp"
)

// Image roles stored in the images.type column.
const (
	ImageFeatured = "featured"
	ImageContent  = "content"
	ImageMarp     = "marp"
)

// Post is the core content record. Each persisted post may own exactly one
// mirrored front-matter Markdown file on disk, linked through FilePath.
type Post struct {
	ID          int64     `json:"id"`
	Slug        string    `json:"slug"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Type        string    `json:"type"` // TypePost or TypeMarp
	Tags        []string  `json:"tags"`
	Meta        Metadata  `json:"metadata"`
	FilePath    string    `json:"filePath,omitempty"`
	PublishedAt time.Time `json:"publishedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Metadata holds the structured per-post fields plus an open extension map
// for keys the schema does not enumerate.
type Metadata struct {
	Description   string            `json:"description,omitempty"`
	Category      string            `json:"category,omitempty"`
	FeaturedImage string            `json:"featuredImage,omitempty"`
	DeployHook    string            `json:"deployHook,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// Image is an uploaded asset owned by a single post. Rows cascade-delete with
// the post; removing the backing file is the caller's job.
type Image struct {
	ID        int64     `json:"id"`
	PostID    int64     `json:"postId"`
	Filename  string    `json:"filename"`
	Path      string    `json:"path"`
	Type      string    `json:"type"` // ImageFeatured, ImageContent, or ImageMarp
	CreatedAt time.Time `json:"createdAt"`
}
