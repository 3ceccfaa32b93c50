// Package upload stages the chunks of resumable uploads on disk.
//
// Each upload session is identified by a client-generated UUID and owns a
// directory under the staging root holding one file per received chunk,
// named by its zero-padded index (00000.part, 00001.part, ...). Chunks may
// arrive in any order and may be re-sent; a chunk only becomes visible once
// it has been fully written. The merge package consumes a complete session;
// the Janitor reaps sessions that were abandoned.
package upload
