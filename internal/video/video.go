package video

import (
	"strconv"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Open opens a video file, a stream URL or, when source is a number, a
// capture device.
func Open(source string) (*gocv.VideoCapture, error) {
	var device interface{} = source
	if id, err := strconv.Atoi(source); err == nil {
		device = id
	}

	video, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open video %q", source)
	}
	if !video.IsOpened() {
		video.Close()
		return nil, errors.Wrapf(ErrNotReady, "unable to open video %q", source)
	}
	return video, nil
}
