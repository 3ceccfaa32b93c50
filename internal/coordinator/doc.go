// Package coordinator serializes full scans and answers whether indexing
// work is in flight.
//
// Exclusion is a row in the index database's locks table with a hard TTL.
// A holder receives a random token on acquisition and must present it to
// release, so a scan that outlived its TTL cannot free the lock of the
// scan that replaced it. Status combines that row with the job queue's
// in-flight merge and index jobs.
package coordinator
