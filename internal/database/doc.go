// Package database holds the two SQLite stores used by nestbox.
//
// IndexStore owns file_index.db: the file_index table that backs browsing
// and the locks table used to serialize full scans. UserStore owns users.db:
// accounts and login sessions.
//
// Both files are opened in WAL mode so that browse queries keep reading
// while a scan writes, and both schemas are created by embedded
// golang-migrate migrations at open time.
package database
