// Package model defines the domain entities exchanged between the ingestion
// pipeline's components: external artifact identity, processed files, job
// history, and extracted indicators.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ExternalRef is the composite identity of an artifact as known to the
// upstream messaging platform. Per the source schema this is rendered as a
// stable string token at storage boundaries, but is kept as a parsed 3-tuple
// internally so components never need to re-parse it.
type ExternalRef struct {
	ChannelID  int64
	MessageID  int64
	DocumentID int64
}

// Token renders the ExternalRef as the stable string identity used for the
// processed_files.telegram_file_id column and job descriptors.
func (r ExternalRef) Token() string {
	return fmt.Sprintf("%d_%d_%d", r.ChannelID, r.MessageID, r.DocumentID)
}

func (r ExternalRef) String() string { return r.Token() }

// ParseExternalRef parses the "{channel_id}_{message_id}_{document_id}"
// token back into its components. Used only at the Repository/job-descriptor
// boundary where the token form is unavoidable (log lines, persisted keys).
func ParseExternalRef(token string) (ExternalRef, error) {
	parts := strings.Split(token, "_")
	if len(parts) != 3 {
		return ExternalRef{}, fmt.Errorf("external ref %q: expected 3 components, got %d", token, len(parts))
	}
	channelID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return ExternalRef{}, fmt.Errorf("external ref %q: parse channel id: %w", token, err)
	}
	messageID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return ExternalRef{}, fmt.Errorf("external ref %q: parse message id: %w", token, err)
	}
	documentID, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return ExternalRef{}, fmt.Errorf("external ref %q: parse document id: %w", token, err)
	}
	return ExternalRef{ChannelID: channelID, MessageID: messageID, DocumentID: documentID}, nil
}

// JobStatus is the lifecycle state of a ProcessingJob.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// IndicatorType is the kind of security indicator mined from a text member.
type IndicatorType string

const (
	IndicatorDomain IndicatorType = "domain"
	IndicatorEmail  IndicatorType = "email"
	IndicatorIPv4   IndicatorType = "ipv4"
)

// ChannelMeta carries the platform-supplied metadata a job needs beyond the
// external ref itself.
type ChannelMeta struct {
	ChannelID    int64
	ChannelTitle string
	Filename     string
}

// JobDescriptor is the unit of work placed on the Job Queue by the
// Listener/Producer and drained by a worker.
type JobDescriptor struct {
	ExternalRef ExternalRef
	Channel     ChannelMeta
}

// ProcessedFile is a successfully ingested artifact.
type ProcessedFile struct {
	TelegramFileID string
	ChannelID      int64
	ChannelTitle   string
	Filename       string
	SizeBytes      int64
	FileHash       string
	StoragePath    string
	FirstSeenAt    time.Time
	LastSeenAt     time.Time
}

// ProcessingJob is an attempt record, successful or not.
type ProcessingJob struct {
	JobID          string
	TelegramFileID string
	Status         JobStatus
	Error          string
	FileHash       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ExtractedIndicator is an IOC mined from an artifact's contents.
type ExtractedIndicator struct {
	IndicatorType      IndicatorType
	Value              string
	SourceFileHash     string
	SourceRelativePath string
	SourceLine         int
	ChannelID          int64
	FirstSeenAt        time.Time
	LastSeenAt         time.Time
}
