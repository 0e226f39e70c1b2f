package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

type Orientation string

const (
	OrientationPortrait  Orientation = "portrait"
	OrientationLandscape Orientation = "landscape"
)

// ParseOrientation defaults an empty value to portrait.
func ParseOrientation(raw string) (Orientation, error) {
	switch Orientation(strings.ToLower(strings.TrimSpace(raw))) {
	case "", OrientationPortrait:
		return OrientationPortrait, nil
	case OrientationLandscape:
		return OrientationLandscape, nil
	default:
		return "", WrapError(ErrInvalidInput, "parse orientation", fmt.Errorf("unsupported orientation %q", raw))
	}
}

// Canvas returns the output frame size for the orientation.
func (o Orientation) Canvas() (width, height int) {
	if o == OrientationLandscape {
		return 1280, 720
	}
	return 720, 1280
}

var hexColorPattern = regexp.MustCompile(`^#?[0-9A-Fa-f]{6}$`)

// NormalizeColor accepts an ffmpeg color name or a 6-digit hex value, with or
// without '#'. Names win over bare hex, so "facade" is 0xfacade only because
// ffmpeg has no color of that name.
func NormalizeColor(raw string) (string, error) {
	c := strings.TrimSpace(raw)
	if name := strings.ToLower(c); isFFmpegColor(name) {
		return name, nil
	}
	if hexColorPattern.MatchString(c) {
		return "0x" + strings.TrimPrefix(c, "#"), nil
	}
	return "", WrapError(ErrInvalidInput, "parse color", fmt.Errorf("unsupported color %q", raw))
}

// Overlay describes the burned-in caption: two lines of text and a frame color.
type Overlay struct {
	Title       string
	Subtitle    string
	AccentColor string
}

// TranscodeOptions parameterize the normalizing pass. Overlay is nil when the
// caption pass is disabled; the output is still the canonical container.
type TranscodeOptions struct {
	Orientation Orientation
	Overlay     *Overlay
}

type FinalizeRequest struct {
	Orientation string `json:"orientation"`
	Color       string `json:"color"`
}

type FinalizeResult struct {
	ExternalRef string      `json:"external_ref"`
	Output      string      `json:"output"`
	Link        string      `json:"link"`
	Orientation Orientation `json:"orientation"`
	Chunks      int         `json:"chunks"`
	CompletedAt time.Time   `json:"completed_at"`
}

// FinalizeJob is the asynchronous finalize request carried over the message bus.
type FinalizeJob struct {
	JobID       string          `json:"job_id"`
	ExternalRef string          `json:"external_ref"`
	Request     FinalizeRequest `json:"request"`
	RequestedAt time.Time       `json:"requested_at"`
}

// OverlayFor builds the caption lines shown on a submission's video.
func OverlayFor(sub *Submission, accent string) *Overlay {
	return &Overlay{
		Title:       fmt.Sprintf("Dr. %s, %s", orUnknown(sub.Name), orUnknown(sub.Degree)),
		Subtitle:    fmt.Sprintf("Topic: %s", orUnknown(sub.Topic)),
		AccentColor: accent,
	}
}

func orUnknown(v string) string {
	if strings.TrimSpace(v) == "" {
		return "Unknown"
	}
	return v
}
