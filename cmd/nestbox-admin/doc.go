// Command nestbox-admin manages a NestBox data directory offline.
//
// It reads the same environment and NESTBOX_CONFIG file as the server, so
// DATA_DIR and UPLOAD_TMP resolve to the same stores.
//
// Usage:
//
//	nestbox-admin user add <name>
//	nestbox-admin user passwd <name>
//	nestbox-admin user list
//	nestbox-admin scan <root>
//	nestbox-admin sweep [--max-age 24h]
//	nestbox-admin status
//	nestbox-admin unlock
//
// Passwords are read from the terminal without echo. When stdin is not a
// terminal, one line is read per prompt.
//
// scan takes the same lock as the server's drive index endpoint and fails
// if a scan is already running. unlock force-releases that lock after a
// crash left it behind.
package main
