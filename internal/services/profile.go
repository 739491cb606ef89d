package services

import (
	"bytes"
	"fmt"
	"os"

	"github.com/Lllllllleong/safeviewer/internal/gcp"
	"github.com/Lllllllleong/safeviewer/internal/models"
	"gopkg.in/yaml.v3"
)

// DeviceProfileFromEnv overrides the default thresholds with MAX_SAFE_MEMORY_MB,
// MAX_SAFE_PAGES, MAX_SAFE_FILE_SIZE_BYTES, MODERATE_COMPLEXITY_MIN,
// MODERATE_COMPLEXITY_MAX and MEMORY_WARN_RATIO.
func DeviceProfileFromEnv() models.DeviceProfile {
	p := models.DefaultDeviceProfile()
	p.MaxSafeMemoryMB = gcp.GetEnvFloat("MAX_SAFE_MEMORY_MB", p.MaxSafeMemoryMB)
	p.MaxSafePages = gcp.GetEnvInt("MAX_SAFE_PAGES", p.MaxSafePages)
	p.MaxSafeFileSizeBytes = gcp.GetEnvInt64("MAX_SAFE_FILE_SIZE_BYTES", p.MaxSafeFileSizeBytes)
	p.ModerateComplexityMin = gcp.GetEnvInt("MODERATE_COMPLEXITY_MIN", p.ModerateComplexityMin)
	p.ModerateComplexityMax = gcp.GetEnvInt("MODERATE_COMPLEXITY_MAX", p.ModerateComplexityMax)
	p.MemoryWarnRatio = gcp.GetEnvFloat("MEMORY_WARN_RATIO", p.MemoryWarnRatio)
	return p
}

// LoadDeviceProfile reads a YAML profile. Keys missing from the file keep
// their default values; unknown keys are rejected.
func LoadDeviceProfile(path string) (models.DeviceProfile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return models.DeviceProfile{}, fmt.Errorf("failed to read device profile: %w", err)
	}
	return ParseDeviceProfile(raw)
}

// ParseDeviceProfile is LoadDeviceProfile on an in-memory document.
func ParseDeviceProfile(raw []byte) (models.DeviceProfile, error) {
	p := models.DefaultDeviceProfile()
	if len(bytes.TrimSpace(raw)) == 0 {
		return p, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return models.DeviceProfile{}, fmt.Errorf("failed to parse device profile: %w", err)
	}
	if p.MaxSafeMemoryMB < 0 || p.MaxSafePages < 0 || p.MaxSafeFileSizeBytes < 0 || p.MemoryWarnRatio < 0 {
		return models.DeviceProfile{}, fmt.Errorf("device profile thresholds must not be negative")
	}
	return p, nil
}
