// Package video wraps gocv capture and writer handles for bounded video
// files and names the artifacts the pipeline produces.
package video

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"gocv.io/x/gocv"
)

// DefaultFPS is used when a container does not report a frame rate.
const DefaultFPS = 25.0

// OutputSuffix is appended to the input stem to name annotated output.
const OutputSuffix = "_with_detections"

// Properties describes a video stream.
type Properties struct {
	Width      int
	Height     int
	FPS        float64
	FrameCount int // 0 when the container does not report it
}

// Source is an open video file being read frame by frame.
type Source struct {
	path  string
	cap   *gocv.VideoCapture
	props Properties
}

// OpenSource opens path for reading and reads its stream properties.
func OpenSource(path string) (*Source, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("open capture %s: %w", path, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("capture %s did not open", path)
	}

	props := Properties{
		Width:      int(vc.Get(gocv.VideoCaptureFrameWidth)),
		Height:     int(vc.Get(gocv.VideoCaptureFrameHeight)),
		FPS:        vc.Get(gocv.VideoCaptureFPS),
		FrameCount: max(0, int(vc.Get(gocv.VideoCaptureFrameCount))),
	}
	if props.Width <= 0 || props.Height <= 0 {
		vc.Close()
		return nil, fmt.Errorf("capture %s reports invalid dimensions %dx%d", path, props.Width, props.Height)
	}
	if props.FPS <= 0 {
		props.FPS = DefaultFPS
	}

	return &Source{path: path, cap: vc, props: props}, nil
}

// Properties returns the stream properties read at open time.
func (s *Source) Properties() Properties {
	return s.props
}

// Read decodes the next frame into frame. It returns false at end of stream.
func (s *Source) Read(frame *gocv.Mat) bool {
	if !s.cap.Read(frame) {
		return false
	}
	return !frame.Empty()
}

// Close releases the capture handle.
func (s *Source) Close() error {
	return s.cap.Close()
}

// Sink is an open video file being written frame by frame.
type Sink struct {
	path   string
	writer *gocv.VideoWriter
}

// OpenSink creates path with the given stream properties. An empty codec is
// chosen from the file extension.
func OpenSink(path, codec string, props Properties) (*Sink, error) {
	if codec == "" {
		codec = CodecForPath(path)
	}
	fps := props.FPS
	if fps <= 0 {
		fps = DefaultFPS
	}

	vw, err := gocv.VideoWriterFile(path, codec, fps, props.Width, props.Height, true)
	if err != nil {
		return nil, fmt.Errorf("open writer %s: %w", path, err)
	}
	if !vw.IsOpened() {
		vw.Close()
		return nil, fmt.Errorf("writer %s did not open with codec %s", path, codec)
	}
	return &Sink{path: path, writer: vw}, nil
}

// Path returns the file being written.
func (s *Sink) Path() string {
	return s.path
}

// Write appends one frame.
func (s *Sink) Write(frame gocv.Mat) error {
	return s.writer.Write(frame)
}

// Close flushes and releases the writer.
func (s *Sink) Close() error {
	return s.writer.Close()
}

// CodecForPath picks a FourCC for the container implied by path.
func CodecForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".webm":
		return "VP80"
	case ".avi":
		return "MJPG"
	default:
		return "mp4v"
	}
}

// IsVideoFile reports whether name has an extension the pipeline accepts.
func IsVideoFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp4", ".webm":
		return true
	}
	return false
}

// OutputName derives "{stem}_with_detections{ext}" from an input file name.
// An empty ext keeps the input's extension.
func OutputName(input, ext string) string {
	base := filepath.Base(input)
	inExt := filepath.Ext(base)
	stem := strings.TrimSuffix(base, inExt)
	if ext == "" {
		ext = inExt
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return stem + OutputSuffix + ext
}

// EncodeJPEG compresses a frame for dispatch. The returned slice is owned by
// the caller.
func EncodeJPEG(frame gocv.Mat, quality int) ([]byte, error) {
	if frame.Empty() {
		return nil, fmt.Errorf("encode jpeg: empty frame")
	}
	if quality <= 0 || quality > 100 {
		quality = 90
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, frame, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()

	// GetBytes aliases native memory released by Close.
	return bytes.Clone(buf.GetBytes()), nil
}
