package report

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"
)

// Signed list layout, little endian.
const (
	signedListFormat = 0x02
	headerSize       = 20
	readingSize      = 16
	footerSize       = 24
	signatureSize    = 16
)

// Signature flags of a signed list report.
const (
	SignedHashOnly  uint8 = 0
	SignedUserKey   uint8 = 1
	SignedDeviceKey uint8 = 2
)

// Reading is one entry of a signed list report.
type Reading struct {
	Stream    uint16
	ReadingID uint32
	Timestamp uint32
	Value     uint32
}

// SignedList describes a signed list report to encode.
type SignedList struct {
	DeviceID         uint32
	ReportID         uint32
	SentTimestamp    uint32
	Streamer         uint8
	StreamerSelector uint16
	Readings         []Reading
	// SignatureFlags selects the signing scheme; Key is required for
	// SignedUserKey and SignedDeviceKey.
	SignatureFlags uint8
	Key            []byte
}

// Encode builds the binary report. Lowest and highest ids are taken from
// the readings.
func (l SignedList) Encode() []byte {
	size := headerSize + readingSize*len(l.Readings) + footerSize
	buf := make([]byte, size)

	buf[0] = signedListFormat
	buf[1] = byte(size)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(size>>8))
	binary.LittleEndian.PutUint32(buf[4:8], l.DeviceID)
	binary.LittleEndian.PutUint32(buf[8:12], l.ReportID)
	binary.LittleEndian.PutUint32(buf[12:16], l.SentTimestamp)
	buf[16] = l.SignatureFlags
	buf[17] = l.Streamer
	binary.LittleEndian.PutUint16(buf[18:20], l.StreamerSelector)

	var lowest, highest uint32
	for i, r := range l.Readings {
		off := headerSize + i*readingSize
		binary.LittleEndian.PutUint16(buf[off:], r.Stream)
		binary.LittleEndian.PutUint32(buf[off+4:], r.ReadingID)
		binary.LittleEndian.PutUint32(buf[off+8:], r.Timestamp)
		binary.LittleEndian.PutUint32(buf[off+12:], r.Value)
		if r.ReadingID == 0 {
			continue
		}
		if lowest == 0 || r.ReadingID < lowest {
			lowest = r.ReadingID
		}
		if r.ReadingID > highest {
			highest = r.ReadingID
		}
	}

	footer := size - footerSize
	binary.LittleEndian.PutUint32(buf[footer:], lowest)
	binary.LittleEndian.PutUint32(buf[footer+4:], highest)
	copy(buf[size-signatureSize:], sign(buf[:size-signatureSize], l.SignatureFlags, l.Key))
	return buf
}

func sign(signed []byte, flags uint8, key []byte) []byte {
	if flags == SignedHashOnly {
		sum := sha256.Sum256(signed)
		return sum[:signatureSize]
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(signed)
	return mac.Sum(nil)[:signatureSize]
}

// ParseSignedList decodes a signed list report and checks its signature.
// Hash-only reports are always verifiable; keyed reports are verified when
// keys can provide the key and are otherwise marked unverified.
func ParseSignedList(data []byte, receivedAt time.Time, keys KeyProvider) (*Report, error) {
	if len(data) < headerSize+footerSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than header and footer", ErrMalformedReport, len(data))
	}
	if data[0] != signedListFormat {
		return nil, fmt.Errorf("%w: format byte 0x%02x", ErrMalformedReport, data[0])
	}
	length := int(data[1]) | int(binary.LittleEndian.Uint16(data[2:4]))<<8
	if length != len(data) {
		return nil, fmt.Errorf("%w: header length %d, got %d bytes", ErrMalformedReport, length, len(data))
	}
	body := len(data) - headerSize - footerSize
	if body%readingSize != 0 {
		return nil, fmt.Errorf("%w: %d reading bytes is not a multiple of %d", ErrMalformedReport, body, readingSize)
	}

	flags := data[16]
	r := &Report{
		Format:        FormatSignedList,
		DeviceID:      binary.LittleEndian.Uint32(data[4:8]),
		ReportID:      binary.LittleEndian.Uint32(data[8:12]),
		SentTimestamp: binary.LittleEndian.Uint32(data[12:16]),
		Streamer:      int(data[17]),
		ReceivedAt:    receivedAt,
		NumReadings:   body / readingSize,
		Raw:           data,
	}
	footer := len(data) - footerSize
	r.LowestID = binary.LittleEndian.Uint32(data[footer:])
	r.HighestID = binary.LittleEndian.Uint32(data[footer+4:])
	r.Signature = verify(data, r.DeviceID, flags, keys)
	return r, nil
}

func verify(data []byte, deviceID uint32, flags uint8, keys KeyProvider) SignatureStatus {
	signed := data[:len(data)-signatureSize]
	got := data[len(data)-signatureSize:]

	var key []byte
	switch flags {
	case SignedHashOnly:
	case SignedUserKey, SignedDeviceKey:
		if keys == nil {
			return SignatureUnverified
		}
		k, ok := keys.SigningKey(deviceID, flags)
		if !ok {
			return SignatureUnverified
		}
		key = k
	default:
		return SignatureUnverified
	}

	if hmac.Equal(got, sign(signed, flags, key)) {
		return SignatureValid
	}
	return SignatureInvalid
}

// FlexibleDict is the msgpack report format.
type FlexibleDict struct {
	Format           string           `msgpack:"format"`
	Device           uint32           `msgpack:"device"`
	StreamerIndex    int              `msgpack:"streamer_index"`
	StreamerSelector int              `msgpack:"streamer_selector"`
	SentTimestamp    uint32           `msgpack:"device_sent_timestamp"`
	IncrementalID    uint32           `msgpack:"incremental_id"`
	LowestID         uint32           `msgpack:"lowest_id"`
	HighestID        uint32           `msgpack:"highest_id"`
	Data             []map[string]any `msgpack:"data"`
	Events           []map[string]any `msgpack:"events"`
}

const flexibleDictVersion = "v100"

// Encode serializes the report with msgpack.
func (d FlexibleDict) Encode() ([]byte, error) {
	if d.Format == "" {
		d.Format = flexibleDictVersion
	}
	return msgpack.Marshal(&d)
}

// ParseFlexibleDict decodes a msgpack report. Its reading count covers both
// data points and events.
func ParseFlexibleDict(data []byte, receivedAt time.Time) (*Report, error) {
	var dict FlexibleDict
	if err := msgpack.Unmarshal(data, &dict); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReport, err)
	}
	if dict.Format != flexibleDictVersion {
		return nil, fmt.Errorf("%w: unsupported format %q", ErrMalformedReport, dict.Format)
	}
	return &Report{
		Format:        FormatFlexibleDict,
		DeviceID:      dict.Device,
		Streamer:      dict.StreamerIndex,
		ReportID:      dict.IncrementalID,
		SentTimestamp: dict.SentTimestamp,
		ReceivedAt:    receivedAt,
		NumReadings:   len(dict.Data) + len(dict.Events),
		LowestID:      dict.LowestID,
		HighestID:     dict.HighestID,
		Signature:     SignatureNone,
		Raw:           data,
	}, nil
}

// Parse decodes a payload of the given format.
func Parse(format Format, data []byte, receivedAt time.Time, keys KeyProvider) (*Report, error) {
	switch format {
	case FormatSignedList:
		return ParseSignedList(data, receivedAt, keys)
	case FormatFlexibleDict:
		return ParseFlexibleDict(data, receivedAt)
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrMalformedReport, format)
	}
}

// Fingerprint returns the hex blake3 digest of a payload.
func Fingerprint(payload []byte) string {
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
