package vision

import (
	"encoding/json"
	"image"
	"testing"
	"time"
)

func TestDetectionRect(t *testing.T) {
	r := image.Rect(400, 200, 500, 300)
	d := NewDetection(r, 9801)

	if d.Width != 100 || d.Height != 100 {
		t.Errorf("size: got %dx%d, want 100x100", d.Width, d.Height)
	}
	if d.Rect() != r {
		t.Errorf("Rect: got %v, want %v", d.Rect(), r)
	}
}

func TestNewReportNeverNullDetections(t *testing.T) {
	report := NewReport("session", 3, time.Unix(0, 0).UTC(), 960, 540, nil)

	payload, err := json.Marshal(report)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if _, ok := decoded["detections"].([]interface{}); !ok {
		t.Errorf("detections: got %v, want an empty list", decoded["detections"])
	}
	if decoded["session_id"] != "session" {
		t.Errorf("session_id: got %v", decoded["session_id"])
	}
}
