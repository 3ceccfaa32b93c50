package memory

import (
	"math"
	"os"
	"path/filepath"
	"runtime/debug"
	"testing"
)

// restoreLimit puts the process memory limit back after a test.
func restoreLimit(t *testing.T) {
	prev := debug.SetMemoryLimit(-1)
	t.Cleanup(func() { debug.SetMemoryLimit(prev) })
}

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeCgroup(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memory.max")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestConfigure(t *testing.T) {
	const gib = 1 << 30

	tests := []struct {
		name           string
		env            map[string]string
		cgroup         string
		wantConfigured bool
		wantSource     string
		wantContainer  int64
		wantRatio      float64
	}{
		{
			name:       "nothing set",
			env:        map[string]string{},
			wantSource: SourceNone,
		},
		{
			name:           "bytes",
			env:            map[string]string{"MEMORY_LIMIT": "1073741824"},
			wantConfigured: true,
			wantSource:     SourceMemoryLimit,
			wantContainer:  gib,
			wantRatio:      DefaultMemoryRatio,
		},
		{
			name:           "kubernetes units",
			env:            map[string]string{"MEMORY_LIMIT": "1Gi", "MEMORY_RATIO": "0.5"},
			wantConfigured: true,
			wantSource:     SourceMemoryLimit,
			wantContainer:  gib,
			wantRatio:      0.5,
		},
		{
			name:       "unparseable limit",
			env:        map[string]string{"MEMORY_LIMIT": "lots"},
			wantSource: SourceNone,
		},
		{
			name:           "ratio out of range",
			env:            map[string]string{"MEMORY_LIMIT": "1073741824", "MEMORY_RATIO": "1.5"},
			wantConfigured: true,
			wantSource:     SourceMemoryLimit,
			wantContainer:  gib,
			wantRatio:      DefaultMemoryRatio,
		},
		{
			name:           "cgroup limit",
			env:            map[string]string{},
			cgroup:         "536870912\n",
			wantConfigured: true,
			wantSource:     SourceCgroup,
			wantContainer:  512 << 20,
			wantRatio:      DefaultMemoryRatio,
		},
		{
			name:       "cgroup unlimited",
			env:        map[string]string{},
			cgroup:     "max\n",
			wantSource: SourceNone,
		},
		{
			name:           "env wins over cgroup",
			env:            map[string]string{"MEMORY_LIMIT": "1Gi"},
			cgroup:         "536870912\n",
			wantConfigured: true,
			wantSource:     SourceMemoryLimit,
			wantContainer:  gib,
			wantRatio:      DefaultMemoryRatio,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			restoreLimit(t)
			cgroupFile := filepath.Join(t.TempDir(), "absent")
			if tt.cgroup != "" {
				cgroupFile = writeCgroup(t, tt.cgroup)
			}

			result := configure(envMap(tt.env), cgroupFile)

			if result.Configured != tt.wantConfigured {
				t.Errorf("Expected Configured=%v, got %v", tt.wantConfigured, result.Configured)
			}
			if result.Source != tt.wantSource {
				t.Errorf("Expected Source %q, got %q", tt.wantSource, result.Source)
			}
			if result.ContainerLimit != tt.wantContainer {
				t.Errorf("Expected ContainerLimit %d, got %d", tt.wantContainer, result.ContainerLimit)
			}
			if result.Ratio != tt.wantRatio {
				t.Errorf("Expected Ratio %v, got %v", tt.wantRatio, result.Ratio)
			}
			if !tt.wantConfigured {
				return
			}
			want := int64(float64(tt.wantContainer) * tt.wantRatio)
			if result.GoMemLimit != want {
				t.Errorf("Expected GoMemLimit %d, got %d", want, result.GoMemLimit)
			}
			if got := debug.SetMemoryLimit(-1); got != want {
				t.Errorf("Expected runtime limit %d, got %d", want, got)
			}
		})
	}
}

func TestConfigureRespectsGOMEMLIMIT(t *testing.T) {
	restoreLimit(t)
	debug.SetMemoryLimit(256 << 20)

	result := configure(envMap(map[string]string{
		"GOMEMLIMIT":   "256MiB",
		"MEMORY_LIMIT": "1Gi",
	}), "")

	if result.Source != SourceGoMemLimit || !result.Configured {
		t.Fatalf("Expected GOMEMLIMIT source, got %+v", result)
	}
	if result.GoMemLimit != 256<<20 {
		t.Errorf("Expected 256MiB, got %d", result.GoMemLimit)
	}
	if result.ContainerLimit != 0 {
		t.Errorf("Expected MEMORY_LIMIT ignored, got %d", result.ContainerLimit)
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1024", 1024, false},
		{"512Mi", 512 << 20, false},
		{"2GiB", 2 << 30, false},
		{"1G", 1000 * 1000 * 1000, false},
		{"huge", 0, true},
	}
	for _, tt := range tests {
		got, err := parseLimit(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseLimit(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseLimit(%q) = %d, expected %d", tt.in, got, tt.want)
		}
	}
	if got, _ := parseLimit("10EiB"); got != math.MaxInt64 {
		t.Errorf("Expected overflow to clamp, got %d", got)
	}
}
