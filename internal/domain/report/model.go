package report

import (
	"fmt"
	"time"
)

// Format is the encoding of a report payload.
type Format string

const (
	// FormatSignedList is the binary list report with a signed footer.
	FormatSignedList Format = "signed_list"
	// FormatFlexibleDict is the msgpack dictionary report.
	FormatFlexibleDict Format = "flexible_dict"
)

// Extension returns the payload file extension of the format.
func (f Format) Extension() string {
	if f == FormatFlexibleDict {
		return ".mp"
	}
	return ".bin"
}

// SignatureStatus is the outcome of checking a report signature.
type SignatureStatus string

const (
	SignatureNone       SignatureStatus = "none"
	SignatureValid      SignatureStatus = "valid"
	SignatureUnverified SignatureStatus = "unverified"
	SignatureInvalid    SignatureStatus = "invalid"
)

// Report is a parsed report as received from a device.
type Report struct {
	Format        Format
	DeviceID      uint32
	Streamer      int
	ReportID      uint32
	SentTimestamp uint32
	ReceivedAt    time.Time
	NumReadings   int
	LowestID      uint32
	HighestID     uint32
	Signature     SignatureStatus
	Raw           []byte
}

// DeviceSlug returns the cloud slug of the sending device.
func (r *Report) DeviceSlug() string {
	return DeviceSlug(r.DeviceID)
}

// DeviceSlug formats a device id as a cloud device slug.
func DeviceSlug(id uint32) string {
	v := uint64(id)
	return fmt.Sprintf("d--%04x-%04x-%04x-%04x", (v>>48)&0xffff, (v>>32)&0xffff, (v>>16)&0xffff, v&0xffff)
}

// Entry is the saved metadata of one stored report. Acknowledged is derived
// from the acknowledgements known to the cache and never set directly.
type Entry struct {
	Key              string    `json:"key"`
	Device           uint32    `json:"device"`
	DeviceSlug       string    `json:"deviceSlug"`
	Timestamp        time.Time `json:"timestamp"`
	NumReadings      int       `json:"numReadings"`
	LowestReadingID  uint32    `json:"lowestReadingId"`
	HighestReadingID uint32    `json:"highestReadingId"`
	Streamer         int       `json:"streamer"`
	Length           int       `json:"length"`
	Uploaded         bool      `json:"uploaded"`
	Error            string    `json:"error,omitempty"`
	Acknowledged     bool      `json:"acknowledged"`
	IsFlexibleDict   bool      `json:"isFlexibleDict"`
	Fingerprint      string    `json:"fingerprint,omitempty"`
}

// Format returns the payload format of the entry.
func (e *Entry) Format() Format {
	if e.IsFlexibleDict {
		return FormatFlexibleDict
	}
	return FormatSignedList
}

// Acknowledgement is the highest reading id the cloud has confirmed for one
// streamer of a device.
type Acknowledgement struct {
	StreamerID int    `json:"streamerID"`
	AckValue   uint32 `json:"ackValue"`
}

// AckTable maps device slug to streamer id to acknowledgement.
type AckTable map[string]map[int]Acknowledgement

// RemoteAck is an acknowledgement as reported by the cloud.
type RemoteAck struct {
	DeviceSlug    string `json:"device"`
	StreamerIndex int    `json:"index"`
	LastID        uint32 `json:"last_id"`
}

// Upload is one report sent to the cloud.
type Upload struct {
	Key        string
	DeviceSlug string
	Timestamp  time.Time
	Format     Format
	Payload    []byte
}

// UploadResult counts the outcome of an upload run.
type UploadResult struct {
	NumberSuccessful int `json:"numberSuccessful"`
	NumberFailed     int `json:"numberFailed"`
}

// DropReason says why an incoming report was not stored.
type DropReason string

const (
	DropDuplicate        DropReason = "duplicate"
	DropIgnoredDevice    DropReason = "ignored_device"
	DropInvalidSignature DropReason = "invalid_signature"
)

// IngestResult is the outcome of processing one incoming report.
type IngestResult struct {
	Key     string     `json:"key,omitempty"`
	Dropped bool       `json:"dropped"`
	Reason  DropReason `json:"reason,omitempty"`
}

// State summarizes the stored reports.
type State struct {
	Total          int `json:"total"`
	ToUpload       int `json:"toUpload"`
	Errored        int `json:"errored"`
	Uploaded       int `json:"uploaded"`
	Acknowledged   int `json:"acknowledged"`
	DevicesPending int `json:"devicesPending"`
}

// StreamerStatus is the live state of one streamer read from a device.
type StreamerStatus struct {
	Index   int
	LastAck uint32
}
