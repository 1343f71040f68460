package fusion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/png"
)

var ErrEmptyPayload = errors.New("empty payload")

// frameMessage is the wire form of a Frame. Image is a PNG, base64 encoded
// by encoding/json.
type frameMessage struct {
	Seq         uint32         `json:"seq"`
	TimestampMS int64          `json:"timestampMs"`
	PingMS      int64          `json:"pingMs,omitempty"`
	Image       []byte         `json:"image,omitempty"`
	Report      *TrackerReport `json:"report,omitempty"`
}

// DecodeInertial decodes a JSON inertial sample, whose timestamp is in unix
// milliseconds, and moves it onto the session timebase.
func DecodeInertial(data []byte, tb Timebase) (InertialSample, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return InertialSample{}, ErrEmptyPayload
	}
	var s InertialSample
	if err := json.Unmarshal(data, &s); err != nil {
		return InertialSample{}, fmt.Errorf("parsing inertial sample: %w", err)
	}
	s.TimestampMS = tb.FromUnixMS(s.TimestampMS)
	return s, nil
}

// DecodeFrame decodes a video payload. Two formats are accepted:
//   - a bare PNG, stamped with receivedMS
//   - a JSON frame message with an optional PNG and tracker report
func DecodeFrame(data []byte, tb Timebase, receivedMS int64) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, ErrEmptyPayload
	}

	if isPNG(data) {
		img, err := decodeGray(data)
		if err != nil {
			return Frame{}, err
		}
		return Frame{TimestampMS: receivedMS, Image: img}, nil
	}

	var m frameMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return Frame{}, fmt.Errorf("unknown frame format: %w", err)
	}
	f := Frame{
		Seq:         m.Seq,
		TimestampMS: receivedMS,
		PingMS:      m.PingMS,
		Report:      m.Report,
	}
	if m.TimestampMS != 0 {
		f.TimestampMS = tb.FromUnixMS(m.TimestampMS)
	}
	if len(m.Image) > 0 {
		img, err := decodeGray(m.Image)
		if err != nil {
			return Frame{}, err
		}
		f.Image = img
	}
	if f.Image == nil && f.Report == nil {
		return Frame{}, fmt.Errorf("frame %d carries neither image nor report", m.Seq)
	}
	return f, nil
}

// EncodeFrame is the inverse of DecodeFrame for JSON frames.
func EncodeFrame(f Frame, tb Timebase) ([]byte, error) {
	m := frameMessage{
		Seq:         f.Seq,
		TimestampMS: f.TimestampMS + tb.Epoch.UnixMilli(),
		PingMS:      f.PingMS,
		Report:      f.Report,
	}
	if f.Image != nil {
		var buf bytes.Buffer
		if err := png.Encode(&buf, f.Image); err != nil {
			return nil, fmt.Errorf("encoding frame image: %w", err)
		}
		m.Image = buf.Bytes()
	}
	return json.Marshal(m)
}

func isPNG(data []byte) bool {
	return len(data) >= 8 && bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n"))
}

func decodeGray(data []byte) (*image.Gray, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding frame image: %w", err)
	}
	if g, ok := img.(*image.Gray); ok {
		return g, nil
	}
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	return g, nil
}
