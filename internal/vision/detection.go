package vision

import (
	"image"
	"time"
)

// Detection is a bright region accepted by the area filter.
type Detection struct {
	X      int     `json:"x" msgpack:"x"`
	Y      int     `json:"y" msgpack:"y"`
	Width  int     `json:"width" msgpack:"width"`
	Height int     `json:"height" msgpack:"height"`
	Area   float64 `json:"area" msgpack:"area"`
	// Vertices is zero unless polygon approximation is enabled.
	Vertices int `json:"vertices,omitempty" msgpack:"vertices,omitempty"`
}

func NewDetection(rect image.Rectangle, area float64) Detection {
	return Detection{
		X:      rect.Min.X,
		Y:      rect.Min.Y,
		Width:  rect.Dx(),
		Height: rect.Dy(),
		Area:   area,
	}
}

func (d Detection) Rect() image.Rectangle {
	return image.Rect(d.X, d.Y, d.X+d.Width, d.Y+d.Height)
}

// Report is the outcome of one processed frame.
type Report struct {
	SessionID  string      `json:"session_id" msgpack:"session_id"`
	Seq        uint64      `json:"seq" msgpack:"seq"`
	Timestamp  time.Time   `json:"timestamp" msgpack:"timestamp"`
	Width      int         `json:"width" msgpack:"width"`
	Height     int         `json:"height" msgpack:"height"`
	Detections []Detection `json:"detections" msgpack:"detections"`

	// MediaTime is the position of the frame in the video, when known.
	MediaTime time.Duration `json:"media_time_ns,omitempty" msgpack:"media_time_ns,omitempty"`
}

func NewReport(sessionID string, seq uint64, at time.Time, width, height int, detections []Detection) Report {
	if detections == nil {
		detections = []Detection{}
	}

	return Report{
		SessionID:  sessionID,
		Seq:        seq,
		Timestamp:  at,
		Width:      width,
		Height:     height,
		Detections: detections,
	}
}
