package protocol

import "time"

// TranscribeRequest is the body of a request on <prefix>.transcribe.
type TranscribeRequest struct {
	RequestID   string `json:"request_id"`
	ContentType string `json:"content_type,omitempty"`
	Audio       []byte `json:"audio"`
}

// Metadata mirrors the HTTP success metadata.
type Metadata struct {
	AudioDurationSec  float64 `json:"audio_duration_sec"`
	ProcessingTimeSec float64 `json:"processing_time_sec"`
	InferenceTimeSec  float64 `json:"inference_time_sec"`
	RTF               float64 `json:"rtf"`
	Device            string  `json:"device"`
}

// TranscribeReply carries either Transcript and Metadata or Error and Message.
type TranscribeReply struct {
	RequestID  string    `json:"request_id,omitempty"`
	Transcript *string   `json:"transcript,omitempty"`
	Metadata   *Metadata `json:"metadata,omitempty"`
	Error      string    `json:"error,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// Succeeded reports whether the reply carries a transcript.
func (r TranscribeReply) Succeeded() bool { return r.Transcript != nil }

// TranscriptEvent is broadcast for every transcription outcome.
type TranscriptEvent struct {
	RequestID  string    `json:"request_id"`
	Source     string    `json:"source"`
	Model      string    `json:"model"`
	Device     string    `json:"device"`
	Transcript string    `json:"transcript,omitempty"`
	Metadata   *Metadata `json:"metadata,omitempty"`
	Error      string    `json:"error,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectTranscribe          = "transcribe"
	SubjectTranscriptCompleted = "transcript.completed"
	SubjectTranscriptFailed    = "transcript.failed"

	SubjectNodeAnnounce        = "ctrl.node.announce"
	SubjectNodeHeartbeatPrefix = "ctrl.node.heartbeat"
	SubjectNodeLeave           = "ctrl.node.leave"
	SubjectNodeAll             = "ctrl.node.>"

	CapabilityTranscribe = "asr.transcribe"
)

// Subject joins the configured prefix with a relative subject.
func Subject(prefix, subject string) string {
	if prefix == "" {
		return subject
	}
	return prefix + "." + subject
}

// QueueGroup is the worker queue group for a prefix.
func QueueGroup(prefix string) string {
	if prefix == "" {
		return "asr-workers"
	}
	return prefix + "-workers"
}
