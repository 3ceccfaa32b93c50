package startup

import (
	"fmt"
	"maps"
	"math"
	"os"
	"runtime"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"nestbox/internal/logging"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
)

// Build-time variables (injected via -ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
	GoVersion = runtime.Version()
)

const rule = "------------------------------------------------------------"

// BuildInfo contains version and build information
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// GetBuildInfo returns the current build information
func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: GoVersion,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// section starts a titled block in the startup log.
func section(title string) {
	logging.Info("")
	logging.Info(rule)
	logging.Info("%s", title)
	logging.Info(rule)
}

// LogStoresInit reports the two SQLite stores and how long each took to
// open and migrate.
func LogStoresInit(indexPath string, indexDur time.Duration, usersPath string, usersDur time.Duration) {
	section("STORES")
	logging.Info("  [OK] File index  %-8v %s", indexDur.Round(time.Millisecond), indexPath)
	logging.Info("  [OK] User store  %-8v %s", usersDur.Round(time.Millisecond), usersPath)
}

// LogJobsInit reports the job queue and its registered job names.
func LogJobsInit(workerCount, queueSize int, names []string) {
	section("JOB QUEUE")
	logging.Info("  Workers:    %d", workerCount)
	logging.Info("  Capacity:   %s queued jobs", humanize.Comma(int64(queueSize)))
	logging.Info("  Handlers:   %s", strings.Join(names, ", "))
}

// LogJanitorInit reports the upload janitor schedule.
func LogJanitorInit(interval, maxAge time.Duration) {
	logging.Info("  [OK] Upload janitor every %v, removing staging idle for %v", interval, maxAge)
}

// RouteInfo contains information about a registered route
type RouteInfo struct {
	Method string
	Path   string
	Name   string
}

// GetRoutes flattens the router into one entry per method. Routes without
// a method matcher are reported as "*".
func GetRoutes(router *mux.Router) ([]RouteInfo, error) {
	var routes []RouteInfo
	err := router.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		tpl, err := route.GetPathTemplate()
		if err != nil {
			return err
		}
		methods, err := route.GetMethods()
		if err != nil {
			methods = []string{"*"}
		}
		for _, m := range methods {
			routes = append(routes, RouteInfo{Method: m, Path: tpl, Name: route.GetName()})
		}
		return nil
	})
	return routes, err
}

// LogHTTPRoutes summarizes the routes per group. The full table is only
// written at debug level.
func LogHTTPRoutes(router *mux.Router, logHealthChecks bool) {
	section("HTTP ROUTES")

	routes, err := GetRoutes(router)
	if err != nil {
		logging.Warn("error walking routes: %v", err)
	}

	groups := make(map[string][]RouteInfo)
	for _, r := range routes {
		g := getRouteGroup(r.Path)
		if g == "" {
			g = "root"
		}
		groups[g] = append(groups[g], r)
	}

	for _, g := range slices.Sorted(maps.Keys(groups)) {
		logging.Info("  %-14s %d routes", g, len(groups[g]))
		for _, r := range groups[g] {
			logging.Debug("    %-6s %s", r.Method, r.Path)
		}
	}

	if logHealthChecks {
		logging.Info("  Health check request logging: ON")
	} else {
		logging.Info("  Health check request logging: OFF (LOG_HEALTH_CHECKS=true to enable)")
	}
}

// getRouteGroup returns the first path segment, or the first two under /api.
func getRouteGroup(path string) string {
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 3)
	if parts[0] == "api" && len(parts) > 1 {
		return "api/" + parts[1]
	}
	return parts[0]
}

// ServerConfig holds configuration for the server startup log
type ServerConfig struct {
	Port            string
	MetricsPort     string
	MetricsEnabled  bool
	UploadTmp       string
	StartupDuration time.Duration
}

// LogServerStarted logs the listening endpoints once the server is ready.
func LogServerStarted(config ServerConfig) {
	section("NESTBOX READY")
	logging.Info("  Startup time:  %v", config.StartupDuration.Round(time.Millisecond))
	logging.Info("  API:           http://0.0.0.0:%s/api", config.Port)
	logging.Info("  Health:        http://0.0.0.0:%s/health", config.Port)
	if config.MetricsEnabled {
		logging.Info("  Metrics:       http://0.0.0.0:%s/metrics", config.MetricsPort)
	} else {
		logging.Info("  Metrics:       DISABLED")
	}
	if config.UploadTmp != "" {
		logging.Info("  Staging:       %s", config.UploadTmp)
	}
	logging.Info(rule)
}

// LogShutdownInitiated logs shutdown start
func LogShutdownInitiated(signal string) {
	section(fmt.Sprintf("SHUTDOWN (received %s)", signal))
}

// LogShutdownStep logs a shutdown step
func LogShutdownStep(step string) {
	logging.Debug("  %s...", step)
}

// LogShutdownStepComplete logs a completed shutdown step
func LogShutdownStepComplete(step string) {
	logging.Info("  [OK] %s", step)
}

// LogShutdownComplete logs shutdown completion
func LogShutdownComplete() {
	logging.Info("  [OK] Shutdown complete")
}

// LogFatal logs a fatal error and exits
func LogFatal(format string, args ...interface{}) {
	logging.Fatal(format, args...)
}

func printBanner() {
	fmt.Println(rule + `
    _   __          __  ____
   / | / /__  _____/ /_/ __ )____  _  __
  /  |/ / _ \/ ___/ __/ __  / __ \| |/_/
 / /|  /  __(__  ) /_/ /_/ / /_/ />  <
/_/ |_/\___/____/\__/_____/\____/_/|_|
` + rule)
	logging.Info("  Version:    %s (%s, built %s)", Version, Commit, BuildTime)
	logging.Info("  Started:    %s", time.Now().Format(time.RFC1123))
}

func logSystemInfo() {
	section("SYSTEM")
	logging.Info("  Go:          %s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	logging.Info("  CPUs:        %d (GOMAXPROCS %d)", runtime.NumCPU(), runtime.GOMAXPROCS(0))
	if limit := debug.SetMemoryLimit(-1); limit < math.MaxInt64 {
		logging.Info("  Memory limit: %s", humanize.IBytes(uint64(limit)))
	}
	if host, err := os.Hostname(); err == nil {
		logging.Debug("  Hostname:    %s", host)
	}
}

// ensureDir creates path if needed and checks it is a directory.
func ensureDir(path string) error {
	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		logging.Debug("    Created %s", path)
		return nil
	case err != nil:
		return fmt.Errorf("failed to stat directory: %w", err)
	case !info.IsDir():
		return fmt.Errorf("%s exists but is not a directory", path)
	}
	return nil
}

// probeWrite creates and removes a temp file in dir.
func probeWrite(dir string) error {
	f, err := os.CreateTemp(dir, ".nestbox-probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	if err := os.Remove(name); err != nil {
		logging.Warn("failed to remove write probe %s: %v", name, err)
	}
	return nil
}
