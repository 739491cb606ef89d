package models

import "time"

// UnknownMetadataValue is reported for metadata fields the document does not carry.
const UnknownMetadataValue = "Unknown"

// SizeClass buckets a document by its byte size.
type SizeClass string

const (
	SizeSmall  SizeClass = "small"
	SizeMedium SizeClass = "medium"
	SizeLarge  SizeClass = "large"
	SizeHuge   SizeClass = "huge"
)

// ClassifySize maps a file size in bytes to its SizeClass.
func ClassifySize(fileSizeBytes int64) SizeClass {
	const mib = 1 << 20
	switch {
	case fileSizeBytes < 1*mib:
		return SizeSmall
	case fileSizeBytes < 10*mib:
		return SizeMedium
	case fileSizeBytes < 50*mib:
		return SizeLarge
	default:
		return SizeHuge
	}
}

// Metadata is the document information dictionary as far as preflight cares.
type Metadata struct {
	Title        string     `json:"title" firestore:"title"`
	Author       string     `json:"author" firestore:"author"`
	Producer     string     `json:"producer" firestore:"producer"`
	CreationDate *time.Time `json:"creationDate,omitempty" firestore:"creationDate,omitempty"`
}

// UnknownMetadata returns a Metadata record with every field defaulted.
func UnknownMetadata() Metadata {
	return Metadata{
		Title:    UnknownMetadataValue,
		Author:   UnknownMetadataValue,
		Producer: UnknownMetadataValue,
	}
}

// PageSample is one successfully inspected page. PageIndex is zero-based.
type PageSample struct {
	PageIndex int     `json:"pageIndex" firestore:"pageIndex"`
	Width     float64 `json:"width" firestore:"width"`
	Height    float64 `json:"height" firestore:"height"`
}

// DocumentFingerprint is the immutable result of a preflight run.
// It is created once per analysis and handed to the caller; nothing mutates it afterwards.
type DocumentFingerprint struct {
	PageCount         int           `json:"pageCount" firestore:"pageCount"`
	FileSizeBytes     int64         `json:"fileSizeBytes" firestore:"fileSizeBytes"`
	SizeClass         SizeClass     `json:"sizeClass" firestore:"sizeClass"`
	IsEncrypted       bool          `json:"isEncrypted" firestore:"isEncrypted"`
	HasImages         bool          `json:"hasImages" firestore:"hasImages"`
	HasHighResolution bool          `json:"hasHighResolution" firestore:"hasHighResolution"`
	AvgPageWidth      float64       `json:"avgPageWidth" firestore:"avgPageWidth"`
	AvgPageHeight     float64       `json:"avgPageHeight" firestore:"avgPageHeight"`
	AvgTextLength     float64       `json:"avgTextLength" firestore:"avgTextLength"`
	EstimatedMemoryMB float64       `json:"estimatedMemoryMB" firestore:"estimatedMemoryMB"`
	ComplexityScore   int           `json:"complexityScore" firestore:"complexityScore"`
	Metadata          Metadata      `json:"metadata" firestore:"metadata"`
	SampledPages      []PageSample  `json:"sampledPages" firestore:"sampledPages"`
	SkippedPages      []int         `json:"skippedPages,omitempty" firestore:"skippedPages,omitempty"`
	AnalysisDuration  time.Duration `json:"analysisDuration" firestore:"analysisDuration"`
}
