package database

import (
	"math"
	"path/filepath"
	"time"

	"nestbox/internal/mediatypes"
)

// IndexEntry is one row of the file index.
type IndexEntry struct {
	Name         string     `json:"name"`
	Path         string     `json:"path"`
	ParentPath   string     `json:"parent_path"`
	IsFolder     bool       `json:"is_folder"`
	IsMedia      bool       `json:"is_media"`
	Size         int64      `json:"size"`
	ModifiedTime time.Time  `json:"modified_time"`
	CreatedTime  *time.Time `json:"created_time,omitempty"`
	Type         string     `json:"type"`
}

// FolderEntry builds the entry for the directory at path.
func FolderEntry(path, parent string, modified time.Time) IndexEntry {
	name := filepath.Base(path)
	if parent == path {
		// drive or filesystem root
		name = path
	}
	return IndexEntry{
		Name:         name,
		Path:         path,
		ParentPath:   parent,
		IsFolder:     true,
		ModifiedTime: modified,
		Type:         mediatypes.FolderType,
	}
}

// FileEntry builds the entry for a regular file. Type and IsMedia are
// derived from the extension alone.
func FileEntry(path, parent string, size int64, modified time.Time, created *time.Time) IndexEntry {
	name := filepath.Base(path)
	ext := mediatypes.Ext(name)
	return IndexEntry{
		Name:         name,
		Path:         path,
		ParentPath:   parent,
		IsMedia:      mediatypes.IsMedia(ext),
		Size:         size,
		ModifiedTime: modified,
		CreatedTime:  created,
		Type:         ext,
	}
}

// View selects which non-folder rows a listing returns.
type View string

const (
	// ViewFiles lists every file, media or not, by name.
	ViewFiles View = "files"
	// ViewGallery lists media only, newest first.
	ViewGallery View = "gallery"
)

// Page sizes per view.
const (
	FilesPerPage   = 100
	GalleryPerPage = 80
)

// PerPage returns the page size for v.
func (v View) PerPage() int {
	if v == ViewGallery {
		return GalleryPerPage
	}
	return FilesPerPage
}

// Valid reports whether v is a known view.
func (v View) Valid() bool {
	return v == ViewFiles || v == ViewGallery
}

// ListOptions selects a page of non-folder children.
type ListOptions struct {
	ParentPath string
	View       View
	Limit      int
	Offset     int
}

// BrowseOptions selects one page of a folder listing.
type BrowseOptions struct {
	Path string
	View View
	Page int
}

// Listing is one page of a folder as shown by the browser.
type Listing struct {
	Path       string       `json:"path"`
	Parent     string       `json:"parent"`
	View       View         `json:"view"`
	Page       int          `json:"page"`
	PerPage    int          `json:"per_page"`
	TotalPages int          `json:"total_pages"`
	TotalItems int          `json:"total_items"`
	MediaCount int          `json:"media_count"`
	OtherCount int          `json:"other_count"`
	Folders    []IndexEntry `json:"folders"`
	Items      []IndexEntry `json:"items"`
}

// totalPages never returns less than 1 so an empty folder still has a page.
func totalPages(items, perPage int) int {
	if perPage <= 0 {
		return 1
	}
	pages := int(math.Ceil(float64(items) / float64(perPage)))
	if pages < 1 {
		pages = 1
	}
	return pages
}

// unixSeconds stores times the way the file_index columns expect them:
// fractional seconds since the epoch.
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(frac*1e9))
}
