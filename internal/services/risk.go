package services

import (
	"fmt"

	"github.com/Lllllllleong/safeviewer/internal/models"
)

// Assess scores fp against profile. It is pure: the same inputs always give
// the same assessment, and IsSafe holds exactly when no risk was raised.
// A zero threshold in profile disables the rule it feeds.
func Assess(fp *models.DocumentFingerprint, profile models.DeviceProfile) models.RiskAssessment {
	risks := []string{}
	warnings := []string{}

	if profile.MaxSafeMemoryMB > 0 {
		switch {
		case fp.EstimatedMemoryMB > profile.MaxSafeMemoryMB:
			risks = append(risks, fmt.Sprintf(
				"estimated memory %.0f MB exceeds the device limit of %.0f MB",
				fp.EstimatedMemoryMB, profile.MaxSafeMemoryMB))
		case profile.MemoryWarnRatio > 0 && fp.EstimatedMemoryMB > profile.MaxSafeMemoryMB*profile.MemoryWarnRatio:
			warnings = append(warnings, fmt.Sprintf(
				"estimated memory %.0f MB is above %.0f%% of the device limit",
				fp.EstimatedMemoryMB, profile.MemoryWarnRatio*100))
		}
	}
	if profile.MaxSafePages > 0 && fp.PageCount > profile.MaxSafePages {
		risks = append(risks, fmt.Sprintf(
			"page count %d exceeds the device limit of %d pages",
			fp.PageCount, profile.MaxSafePages))
	}
	if profile.MaxSafeFileSizeBytes > 0 && fp.FileSizeBytes > profile.MaxSafeFileSizeBytes {
		risks = append(risks, fmt.Sprintf(
			"file size %.1f MB exceeds the device limit of %.1f MB",
			float64(fp.FileSizeBytes)/1_000_000, float64(profile.MaxSafeFileSizeBytes)/1_000_000))
	}

	if fp.HasHighResolution {
		warnings = append(warnings, "document contains high-resolution pages that may render slowly")
	}
	if profile.ModerateComplexityMax > 0 &&
		fp.ComplexityScore >= profile.ModerateComplexityMin &&
		fp.ComplexityScore <= profile.ModerateComplexityMax {
		warnings = append(warnings, fmt.Sprintf("document complexity is elevated (score %d)", fp.ComplexityScore))
	}
	if fp.IsEncrypted {
		warnings = append(warnings, "document is encrypted; some content may not be inspectable")
	}

	return models.RiskAssessment{
		IsSafe:          len(risks) == 0,
		Risks:           risks,
		Warnings:        warnings,
		EstimatedMemory: fp.EstimatedMemoryMB,
		EstimatedCPU:    fp.ComplexityScore,
	}
}
