package report_test

import (
	"testing"

	"github.com/rpggio/fieldsync/internal/domain/report"
	"github.com/stretchr/testify/require"
)

type staticKeys map[uint32][]byte

func (k staticKeys) SigningKey(deviceID uint32, _ uint8) ([]byte, bool) {
	key, ok := k[deviceID]
	return key, ok
}

func signedList(device uint32, streamer uint8, lowest, highest uint32) report.SignedList {
	l := report.SignedList{
		DeviceID:      device,
		ReportID:      highest,
		SentTimestamp: 1000,
		Streamer:      streamer,
	}
	for id := lowest; id <= highest; id++ {
		l.Readings = append(l.Readings, report.Reading{Stream: 0x5001, ReadingID: id, Timestamp: id * 10, Value: id * 2})
	}
	return l
}

func TestParseSignedList_HashSignature(t *testing.T) {
	data := signedList(0x2a, 1, 1, 10).Encode()

	r, err := report.ParseSignedList(data, t0, nil)
	require.NoError(t, err)
	require.Equal(t, report.FormatSignedList, r.Format)
	require.Equal(t, uint32(0x2a), r.DeviceID)
	require.Equal(t, "d--0000-0000-0000-002a", r.DeviceSlug())
	require.Equal(t, 1, r.Streamer)
	require.Equal(t, uint32(10), r.ReportID)
	require.Equal(t, 10, r.NumReadings)
	require.Equal(t, uint32(1), r.LowestID)
	require.Equal(t, uint32(10), r.HighestID)
	require.Equal(t, report.SignatureValid, r.Signature)
	require.Equal(t, t0, r.ReceivedAt)
}

func TestParseSignedList_TamperedIsInvalid(t *testing.T) {
	data := signedList(1, 0, 1, 3).Encode()
	data[24]++

	r, err := report.ParseSignedList(data, t0, nil)
	require.NoError(t, err)
	require.Equal(t, report.SignatureInvalid, r.Signature)
}

func TestParseSignedList_KeyedSignature(t *testing.T) {
	l := signedList(7, 0, 1, 5)
	l.SignatureFlags = report.SignedUserKey
	l.Key = []byte("0123456789abcdef")
	data := l.Encode()

	r, err := report.ParseSignedList(data, t0, nil)
	require.NoError(t, err)
	require.Equal(t, report.SignatureUnverified, r.Signature)

	r, err = report.ParseSignedList(data, t0, staticKeys{7: l.Key})
	require.NoError(t, err)
	require.Equal(t, report.SignatureValid, r.Signature)

	r, err = report.ParseSignedList(data, t0, staticKeys{7: []byte("wrong key")})
	require.NoError(t, err)
	require.Equal(t, report.SignatureInvalid, r.Signature)
}

func TestParseSignedList_Malformed(t *testing.T) {
	good := signedList(1, 0, 1, 2).Encode()

	tests := []struct {
		name string
		data []byte
	}{
		{name: "short", data: good[:10]},
		{name: "wrong format", data: append([]byte{0x07}, good[1:]...)},
		{name: "truncated", data: good[:len(good)-1]},
		{name: "extra bytes", data: append(append([]byte(nil), good...), 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := report.ParseSignedList(tt.data, t0, nil)
			require.ErrorIs(t, err, report.ErrMalformedReport)
		})
	}
}

func TestParseSignedList_LargeReportLength(t *testing.T) {
	data := signedList(1, 0, 1, 40).Encode()
	require.Greater(t, len(data), 255)

	r, err := report.ParseSignedList(data, t0, nil)
	require.NoError(t, err)
	require.Equal(t, 40, r.NumReadings)
	require.Equal(t, report.SignatureValid, r.Signature)
}

func TestParseFlexibleDict(t *testing.T) {
	data, err := report.FlexibleDict{
		Device:        3,
		StreamerIndex: 256,
		SentTimestamp: 99,
		IncrementalID: 12,
		LowestID:      100,
		HighestID:     102,
		Data:          []map[string]any{{"stream": "5001", "value": 1}, {"stream": "5001", "value": 2}},
		Events:        []map[string]any{{"stream": "5020"}},
	}.Encode()
	require.NoError(t, err)

	r, err := report.Parse(report.FormatFlexibleDict, data, t0, nil)
	require.NoError(t, err)
	require.Equal(t, report.FormatFlexibleDict, r.Format)
	require.Equal(t, uint32(3), r.DeviceID)
	require.Equal(t, 256, r.Streamer)
	require.Equal(t, 3, r.NumReadings)
	require.Equal(t, uint32(102), r.HighestID)
	require.Equal(t, report.SignatureNone, r.Signature)

	_, err = report.Parse(report.FormatFlexibleDict, []byte{0xc1}, t0, nil)
	require.ErrorIs(t, err, report.ErrMalformedReport)

	_, err = report.Parse("csv", data, t0, nil)
	require.ErrorIs(t, err, report.ErrMalformedReport)
}

func TestFingerprint(t *testing.T) {
	a := report.Fingerprint([]byte("one"))
	require.Len(t, a, 64)
	require.Equal(t, a, report.Fingerprint([]byte("one")))
	require.NotEqual(t, a, report.Fingerprint([]byte("two")))
}
