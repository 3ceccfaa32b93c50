// Package mediatypes holds the fixed photo and video extension sets used to
// flag index entries as media.
//
// An entry's media flag is a pure function of its lowercase extension:
//
//	ext := mediatypes.Ext(name)      // ".jpg"
//	mediatypes.IsMedia(ext)          // true
//	mediatypes.KindOf(ext)           // mediatypes.KindPhoto
//
// Directories carry the literal type FolderType instead of an extension.
package mediatypes
