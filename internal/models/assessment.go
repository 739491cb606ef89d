package models

// DeviceProfile carries the thresholds the host application considers safe.
// A zero threshold disables the rule it feeds.
type DeviceProfile struct {
	MaxSafeMemoryMB      float64 `json:"maxSafeMemoryMB" yaml:"maxSafeMemoryMB" firestore:"maxSafeMemoryMB"`
	MaxSafePages         int     `json:"maxSafePages" yaml:"maxSafePages" firestore:"maxSafePages"`
	MaxSafeFileSizeBytes int64   `json:"maxSafeFileSizeBytes" yaml:"maxSafeFileSizeBytes" firestore:"maxSafeFileSizeBytes"`

	// ModerateComplexityMin and ModerateComplexityMax bound the complexity
	// scores that produce a warning. Both inclusive.
	ModerateComplexityMin int `json:"moderateComplexityMin" yaml:"moderateComplexityMin" firestore:"moderateComplexityMin"`
	ModerateComplexityMax int `json:"moderateComplexityMax" yaml:"moderateComplexityMax" firestore:"moderateComplexityMax"`

	// MemoryWarnRatio is the share of MaxSafeMemoryMB above which a warning is raised.
	MemoryWarnRatio float64 `json:"memoryWarnRatio" yaml:"memoryWarnRatio" firestore:"memoryWarnRatio"`
}

// DefaultDeviceProfile returns the thresholds used when the host supplies none.
func DefaultDeviceProfile() DeviceProfile {
	return DeviceProfile{
		MaxSafeMemoryMB:       500,
		MaxSafePages:          500,
		MaxSafeFileSizeBytes:  50_000_000,
		ModerateComplexityMin: 50,
		ModerateComplexityMax: 100,
		MemoryWarnRatio:       0.75,
	}
}

// RiskAssessment is the verdict derived from a fingerprint and a device profile.
// IsSafe is true exactly when Risks is empty; warnings never affect it.
type RiskAssessment struct {
	IsSafe          bool     `json:"isSafe" firestore:"isSafe"`
	Risks           []string `json:"risks" firestore:"risks"`
	Warnings        []string `json:"warnings" firestore:"warnings"`
	EstimatedMemory float64  `json:"estimatedMemory" firestore:"estimatedMemory"`
	EstimatedCPU    int      `json:"estimatedCPU" firestore:"estimatedCPU"`
}
