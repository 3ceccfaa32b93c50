package startup

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"nestbox/internal/logging"
	"nestbox/internal/workers"
)

// Config holds all application configuration
type Config struct {
	Port           string
	MetricsPort    string
	MetricsEnabled bool

	DataDir   string
	UploadTmp string

	JobWorkers   int
	JobQueueSize int

	MergeMaxRetries int
	MergeRetryDelay time.Duration
	MergeDelay      time.Duration
	MergeIOLimit    int

	ScanLockTTL        time.Duration
	ScanBatchSize      int
	ScanFollowSymlinks bool

	JanitorInterval time.Duration
	JanitorMaxAge   time.Duration

	AllowedRoots    []string
	InvitationCode  string
	LogHealthChecks bool
	SessionDuration time.Duration

	// Derived paths
	IndexDBPath string
	UsersDBPath string

	// ConfigFile is the TOML file the values were layered on, if any.
	ConfigFile string
}

// FileConfig is the optional TOML configuration file. Keys mirror the
// environment variable names in lower case; durations are Go duration
// strings (a "d" suffix for days is accepted). Environment variables
// override anything set here.
type FileConfig struct {
	Port               string   `toml:"port"`
	MetricsPort        string   `toml:"metrics_port"`
	MetricsEnabled     *bool    `toml:"metrics_enabled"`
	DataDir            string   `toml:"data_dir"`
	UploadTmp          string   `toml:"upload_tmp"`
	JobWorkers         int      `toml:"job_workers"`
	JobQueueSize       int      `toml:"job_queue_size"`
	MergeMaxRetries    *int     `toml:"merge_max_retries"`
	MergeRetryDelay    string   `toml:"merge_retry_delay"`
	MergeDelay         string   `toml:"merge_delay"`
	MergeIOLimit       int      `toml:"merge_io_limit"`
	ScanLockTTL        string   `toml:"scan_lock_ttl"`
	ScanBatchSize      int      `toml:"scan_batch_size"`
	ScanFollowSymlinks *bool    `toml:"scan_follow_symlinks"`
	JanitorInterval    string   `toml:"janitor_interval"`
	JanitorMaxAge      string   `toml:"janitor_max_age"`
	AllowedRoots       []string `toml:"allowed_roots"`
	InvitationCode     string   `toml:"invitation_code"`
	LogHealthChecks    *bool    `toml:"log_health_checks"`
	SessionDuration    string   `toml:"session_duration"`
}

// ReadConfigFile decodes a FileConfig from path.
func ReadConfigFile(path string) (*FileConfig, error) {
	var fc FileConfig
	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		logging.Warn("  Unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return &fc, nil
}

// LoadConfig prints the banner, then loads and validates configuration
// from the environment and the optional NESTBOX_CONFIG file.
func LoadConfig() (*Config, error) {
	printBanner()
	logSystemInfo()

	cfg, err := ResolveConfig()
	if err != nil {
		return nil, err
	}
	logConfig(cfg)

	if err := prepareDirectories(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolveConfig layers defaults, the config file and the environment
// without touching the filesystem beyond reading the file.
func ResolveConfig() (*Config, error) {
	fc := &FileConfig{}
	configFile := os.Getenv("NESTBOX_CONFIG")
	if configFile != "" {
		var err error
		if fc, err = ReadConfigFile(configFile); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		Port:               getEnv("PORT", orString(fc.Port, "8080")),
		MetricsPort:        getEnv("METRICS_PORT", orString(fc.MetricsPort, "9090")),
		MetricsEnabled:     getEnvBool("METRICS_ENABLED", orBool(fc.MetricsEnabled, true)),
		DataDir:            getEnv("DATA_DIR", orString(fc.DataDir, "./instance")),
		JobWorkers:         getEnvInt("JOB_WORKERS", orInt(fc.JobWorkers, workers.ForIO(8))),
		JobQueueSize:       getEnvInt("JOB_QUEUE_SIZE", orInt(fc.JobQueueSize, 1024)),
		MergeMaxRetries:    getEnvInt("MERGE_MAX_RETRIES", orIntPtr(fc.MergeMaxRetries, 3)),
		MergeRetryDelay:    getEnvDuration("MERGE_RETRY_DELAY", fileDuration("merge_retry_delay", fc.MergeRetryDelay, 10*time.Second)),
		MergeDelay:         getEnvDuration("MERGE_DELAY", fileDuration("merge_delay", fc.MergeDelay, 5*time.Second)),
		MergeIOLimit:       getEnvInt("MERGE_IO_LIMIT", fc.MergeIOLimit),
		ScanLockTTL:        getEnvDuration("SCAN_LOCK_TTL", fileDuration("scan_lock_ttl", fc.ScanLockTTL, time.Hour)),
		ScanBatchSize:      getEnvInt("SCAN_BATCH_SIZE", orInt(fc.ScanBatchSize, 500)),
		ScanFollowSymlinks: getEnvBool("SCAN_FOLLOW_SYMLINKS", orBool(fc.ScanFollowSymlinks, false)),
		JanitorInterval:    getEnvDuration("JANITOR_INTERVAL", fileDuration("janitor_interval", fc.JanitorInterval, time.Hour)),
		JanitorMaxAge:      getEnvDuration("JANITOR_MAX_AGE", fileDuration("janitor_max_age", fc.JanitorMaxAge, 24*time.Hour)),
		AllowedRoots:       getEnvList("ALLOWED_ROOTS", fc.AllowedRoots),
		InvitationCode:     getEnv("INVITATION_CODE", fc.InvitationCode),
		LogHealthChecks:    getEnvBool("LOG_HEALTH_CHECKS", orBool(fc.LogHealthChecks, true)),
		SessionDuration:    getEnvDuration("SESSION_DURATION", fileDuration("session_duration", fc.SessionDuration, 7*24*time.Hour)),
		ConfigFile:         configFile,
	}

	dataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	cfg.DataDir = dataDir

	uploadTmp := getEnv("UPLOAD_TMP", fc.UploadTmp)
	if uploadTmp == "" {
		uploadTmp = filepath.Join(dataDir, "uploads")
	}
	if cfg.UploadTmp, err = filepath.Abs(uploadTmp); err != nil {
		return nil, fmt.Errorf("failed to resolve upload directory path: %w", err)
	}

	cfg.IndexDBPath = filepath.Join(dataDir, "file_index.db")
	cfg.UsersDBPath = filepath.Join(dataDir, "users.db")

	if cfg.MergeMaxRetries < 0 {
		cfg.MergeMaxRetries = 0
	}
	return cfg, nil
}

func logConfig(cfg *Config) {
	section("CONFIGURATION")
	if cfg.ConfigFile != "" {
		logging.Info("  NESTBOX_CONFIG:       %s", cfg.ConfigFile)
	}
	logging.Info("  PORT:                 %s", cfg.Port)
	logging.Info("  METRICS_PORT:         %s", cfg.MetricsPort)
	logging.Info("  METRICS_ENABLED:      %v", cfg.MetricsEnabled)
	logging.Info("  DATA_DIR:             %s", cfg.DataDir)
	logging.Info("  UPLOAD_TMP:           %s", cfg.UploadTmp)
	logging.Info("  JOB_WORKERS:          %d", cfg.JobWorkers)
	logging.Info("  JOB_QUEUE_SIZE:       %d", cfg.JobQueueSize)
	logging.Info("  MERGE_MAX_RETRIES:    %d", cfg.MergeMaxRetries)
	logging.Info("  MERGE_RETRY_DELAY:    %v", cfg.MergeRetryDelay)
	logging.Info("  MERGE_DELAY:          %v", cfg.MergeDelay)
	if cfg.MergeIOLimit > 0 {
		logging.Info("  MERGE_IO_LIMIT:       %d bytes/s", cfg.MergeIOLimit)
	} else {
		logging.Info("  MERGE_IO_LIMIT:       unlimited")
	}
	logging.Info("  SCAN_LOCK_TTL:        %v", cfg.ScanLockTTL)
	logging.Info("  SCAN_BATCH_SIZE:      %d", cfg.ScanBatchSize)
	logging.Info("  SCAN_FOLLOW_SYMLINKS: %v", cfg.ScanFollowSymlinks)
	logging.Info("  JANITOR_INTERVAL:     %v", cfg.JanitorInterval)
	logging.Info("  JANITOR_MAX_AGE:      %v", cfg.JanitorMaxAge)
	if len(cfg.AllowedRoots) > 0 {
		logging.Info("  ALLOWED_ROOTS:        %s", strings.Join(cfg.AllowedRoots, ", "))
	} else {
		logging.Info("  ALLOWED_ROOTS:        (platform default)")
	}
	logging.Info("  INVITATION_CODE:      %s", setString(cfg.InvitationCode != ""))
	logging.Info("  LOG_HEALTH_CHECKS:    %v", cfg.LogHealthChecks)
	logging.Info("  SESSION_DURATION:     %v", cfg.SessionDuration)
	logging.Info("  LOG_LEVEL:            %s", logging.GetLevel())
}

func prepareDirectories(cfg *Config) error {
	section("DIRECTORIES")

	dirs := []struct {
		label, path, purpose string
	}{
		{"Data", cfg.DataDir, "databases"},
		{"Upload", cfg.UploadTmp, "chunk staging"},
	}
	for _, d := range dirs {
		if err := ensureDir(d.path); err != nil {
			return fmt.Errorf("%s directory error: %w", strings.ToLower(d.label), err)
		}
		if err := probeWrite(d.path); err != nil {
			return fmt.Errorf("%s directory is not writable (required for %s): %w", strings.ToLower(d.label), d.purpose, err)
		}
		logging.Info("  [OK] %-7s %s", d.label, d.path)
	}

	logging.Info("  Registration: %s", enabledString(cfg.InvitationCode != ""))
	logging.Info("  Metrics:      %s", enabledString(cfg.MetricsEnabled))
	return nil
}

func enabledString(enabled bool) string {
	if enabled {
		return "ENABLED"
	}
	return "DISABLED"
}

func setString(set bool) string {
	if set {
		return "(set)"
	}
	return "(unset)"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		logging.Warn("Invalid boolean value for %s: %q, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		logging.Warn("Invalid integer value for %s: %q, using default: %d", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := ParseDuration(value)
	if err != nil {
		logging.Warn("Invalid duration for %s: %q, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// ParseDuration extends time.ParseDuration with a whole-day suffix, so
// "7d" is a week. Negative values are rejected.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func fileDuration(key, value string, defaultValue time.Duration) time.Duration {
	if value == "" {
		return defaultValue
	}
	d, err := ParseDuration(value)
	if err != nil {
		logging.Warn("Invalid duration for %s in config file: %q, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return d
}

func orString(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func orInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func orIntPtr(v *int, def int) int {
	if v != nil {
		return *v
	}
	return def
}

func orBool(v *bool, def bool) bool {
	if v != nil {
		return *v
	}
	return def
}
