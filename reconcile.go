package markdeck

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
)

// ReconcileReport summarizes a repair scan of the store/mirror pair.
type ReconcileReport struct {
	Checked   int      `json:"checked"`
	Rewritten int      `json:"rewritten"`
	Relinked  int      `json:"relinked"`
	Orphans   []string `json:"orphans,omitempty"`
}

// Reconcile walks every post and repairs the dual-write gap: mirror files
// that are missing or diverged from their row are rewritten, missing
// file_path links are recorded, and mirror files with no owning row are
// reported as orphans (never deleted; an orphan may be an external file the
// watcher has not picked up yet).
func (a *App) Reconcile() (ReconcileReport, error) {
	var report ReconcileReport

	posts, err := a.Store.ListPosts(ListFilter{})
	if err != nil {
		return report, err
	}
	owned := make(map[string]struct{}, len(posts))
	for _, p := range posts {
		report.Checked++
		path, want := a.Mirror.Render(p)
		owned[path] = struct{}{}
		have, err := os.ReadFile(path)
		if err != nil || !bytes.Equal(have, want) {
			if err := os.WriteFile(path, want, 0o644); err != nil {
				return report, err
			}
			report.Rewritten++
		}
		if p.FilePath != path {
			if err := a.Store.SetFilePath(p.ID, path); err != nil {
				return report, err
			}
			report.Relinked++
		}
	}

	for _, contentType := range []string{TypePost, TypeMarp} {
		dir := a.Mirror.PostsDir(contentType)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return report, err
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if _, ok := owned[path]; !ok {
				report.Orphans = append(report.Orphans, path)
			}
		}
	}
	return report, nil
}
