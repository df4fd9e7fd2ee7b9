package report

import (
	"context"

	"github.com/rpggio/fieldsync/internal/domain/activity"
)

// Cloud uploads reports and reads acknowledgements.
type Cloud interface {
	UploadReport(ctx context.Context, upload Upload) error
	// FetchAcknowledgements returns the acknowledgements of one device, or
	// of every device visible to the user when deviceSlug is empty.
	FetchAcknowledgements(ctx context.Context, deviceSlug string) ([]RemoteAck, error)
}

// Status tells whether the cloud can be reached right now.
type Status interface {
	IsOnline() bool
	IsAuthenticated() bool
}

// KeyProvider returns the key a device signs reports with. ok is false
// when the key is not available locally.
type KeyProvider interface {
	SigningKey(deviceID uint32, flags uint8) (key []byte, ok bool)
}

// DeviceLink is a connection to a physical device.
type DeviceLink interface {
	Slug() string
	FirmwareVersion() string
	StreamerStatus(ctx context.Context, index int) (StreamerStatus, error)
	AcknowledgeStreamer(ctx context.Context, index int, value uint32, force bool) error
}

// ActivityRepository records report events.
type ActivityRepository interface {
	Log(ctx context.Context, entry *activity.ActivityEntry) error
}
