package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/kirillkom/doctor-video-intake/internal/core/domain"
)

const (
	frameThickness = 20
	captionPadding = 15
)

func baseArgs() []string {
	return []string{"-hide_banner", "-nostdin", "-loglevel", "error", "-y"}
}

func concatArgs(listPath, output string) []string {
	return append(baseArgs(),
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		output,
	)
}

func transcodeArgs(input, output string, opts domain.TranscodeOptions, fontFile string) []string {
	return append(baseArgs(),
		"-i", input,
		"-vf", filterGraph(opts, fontFile),
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", "23",
		"-c:a", "aac",
		"-movflags", "+faststart",
		output,
	)
}

// concatList renders the concat demuxer script. Paths are single-quoted with
// embedded quotes closed, escaped and reopened.
func concatList(inputs []string) (string, error) {
	var b strings.Builder
	for _, input := range inputs {
		if strings.ContainsAny(input, "\n\r\x00") {
			return "", domain.WrapError(domain.ErrInvalidInput, "build concat list", fmt.Errorf("unsafe path %q", input))
		}
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(input, "'", `'\''`))
		b.WriteString("'\n")
	}
	return b.String(), nil
}

func filterGraph(opts domain.TranscodeOptions, fontFile string) string {
	orientation := opts.Orientation
	if orientation == "" {
		orientation = domain.OrientationPortrait
	}
	width, height := orientation.Canvas()

	filters := []string{
		fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", width, height),
		fmt.Sprintf("pad=%d:%d:(ow-iw)/2:(oh-ih)/2:color=black", width, height),
		"setsar=1",
	}
	if opts.Overlay == nil {
		return strings.Join(filters, ",")
	}

	boxHeight, topicY := 90, 55
	if orientation == domain.OrientationLandscape {
		boxHeight, topicY = 60, 35
	}
	nameY := topicY + 35
	accent := opts.Overlay.AccentColor
	if accent == "" {
		accent = "orange"
	}

	filters = append(filters,
		fmt.Sprintf("drawbox=x=0:y=0:w=iw:h=ih:color=%s@1.0:t=%d", accent, frameThickness),
		fmt.Sprintf("drawbox=x=0:y=ih-%d:w=iw:h=%d:color=black@0.6:t=fill", boxHeight+captionPadding, boxHeight+captionPadding),
		drawText(opts.Overlay.Title, fontFile, 24, nameY),
		drawText(opts.Overlay.Subtitle, fontFile, 28, topicY),
	)
	return strings.Join(filters, ",")
}

func drawText(text, fontFile string, size, fromBottom int) string {
	var b strings.Builder
	b.WriteString("drawtext=")
	if fontFile != "" {
		b.WriteString("fontfile=")
		b.WriteString(escapeFilterValue(fontFile))
		b.WriteString(":")
	}
	fmt.Fprintf(&b,
		"text=%s:expansion=none:fontcolor=white:fontsize=%d:x=(w-text_w)/2:y=h-%d:shadowcolor=black:shadowx=2:shadowy=2",
		escapeFilterValue(text), size, fromBottom,
	)
	return b.String()
}

var (
	optionEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`, `:`, `\:`)
	graphEscaper  = strings.NewReplacer(`\`, `\\`, `'`, `\'`, `,`, `\,`, `;`, `\;`, `[`, `\[`, `]`, `\]`)
)

// escapeFilterValue escapes an option value for both levels of filtergraph
// parsing: once for the filter's option parser and once for the graph parser.
func escapeFilterValue(v string) string {
	v = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == 0 {
			return ' '
		}
		return r
	}, v)
	return graphEscaper.Replace(optionEscaper.Replace(v))
}
