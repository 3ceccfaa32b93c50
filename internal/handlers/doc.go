// Package handlers provides the HTTP handlers for the NestBox JSON API.
//
// It includes handlers for:
//   - Chunked uploads, resume status and pre-upload checks
//   - Triggering drive scans and reporting indexing status
//   - Browsing the file index in the files and gallery views
//   - Background job status
//   - Registration, login and sessions
//   - Health checks and build information
package handlers
