package mediatypes

import (
	"path/filepath"
	"strings"
)

// FolderType is the type string stored for directory entries.
const FolderType = "folder"

// Kind categorizes an indexed file.
type Kind string

const (
	// KindFolder is a directory.
	KindFolder Kind = "folder"
	// KindPhoto is a still image.
	KindPhoto Kind = "photo"
	// KindVideo is a video file.
	KindVideo Kind = "video"
	// KindOther is any non-media file.
	KindOther Kind = "other"
)

// PhotoExtensions lists the extensions treated as photos.
var PhotoExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".tiff": true,
	".heic": true,
	".webp": true,
}

// VideoExtensions lists the extensions treated as videos.
var VideoExtensions = map[string]bool{
	".mp4":  true,
	".mkv":  true,
	".mov":  true,
	".avi":  true,
	".webm": true,
	".flv":  true,
	".m4v":  true,
}

// streamable video containers that browsers can play inline
var streamable = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".webm": true,
}

// Ext returns the lowercase extension of name including the leading dot,
// or "" when there is none.
func Ext(name string) string {
	return strings.ToLower(filepath.Ext(name))
}

// KindOf returns the kind for a lowercase extension.
func KindOf(ext string) Kind {
	switch {
	case ext == FolderType:
		return KindFolder
	case PhotoExtensions[ext]:
		return KindPhoto
	case VideoExtensions[ext]:
		return KindVideo
	default:
		return KindOther
	}
}

// IsMedia reports whether ext belongs to the photo or video set.
func IsMedia(ext string) bool {
	return PhotoExtensions[ext] || VideoExtensions[ext]
}

// IsStreamable reports whether a video with this extension can be served
// as a stream instead of a download.
func IsStreamable(ext string) bool {
	return streamable[ext]
}
