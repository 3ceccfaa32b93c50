// Package logging is the leveled logger shared by the NestBox service and
// its admin tool.
//
// Levels, lowest first: DEBUG, INFO, WARN, ERROR. FATAL always prints and
// exits. The starting level comes from DEBUG=true or LOG_LEVEL; SetLevel
// overrides it at runtime (the admin CLI uses it for --verbose).
//
// Messages from the ingestion pipeline carry a bracketed tag after the
// level, e.g. "[INFO] [MERGE] ...", so that chunk, merge, index and janitor
// activity can be grepped out of a single log stream.
package logging
