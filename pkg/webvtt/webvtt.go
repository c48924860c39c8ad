// Package webvtt parses and serializes the WebVTT caption format.
//
// The cue model is deliberately small: a cue is an optional identifier, a
// start/end time in seconds, and plain text. Inline markup tags are tolerated
// on input (and stripped) but never emitted on output. Parsing is forgiving:
// malformed blocks are skipped rather than failing the whole document, which
// matches how browsers treat sloppy caption files.
package webvtt

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Cue is one timed caption unit.
type Cue struct {
	// Identifier is the optional cue identifier line preceding the timing
	// line. Empty means the cue has no identifier.
	Identifier string `json:"identifier,omitempty"`

	// Start is the cue start time in seconds.
	Start float64 `json:"start"`

	// End is the cue end time in seconds. Serialization guarantees
	// End > Start by at least one millisecond.
	End float64 `json:"end"`

	// Text is the plain cue text. Never empty for cues produced by Parse.
	Text string `json:"text"`
}

var (
	headerRe = regexp.MustCompile(`(?i)^WEBVTT($|[ \t].*$)`)
	blockRe  = regexp.MustCompile(`\n{2,}`)
	timingRe = regexp.MustCompile(`^([0-9:.,]+)[ \t]*-->[ \t]*([0-9:.,]+)([ \t].*)?$`)
	stampRe  = regexp.MustCompile(`^(?:(\d{1,2}):)?(\d{1,2}):(\d{1,2})[.,](\d{1,3})$`)

	tightenBefore = regexp.MustCompile(`\s+([,.;!?])`)
	spaceRe       = regexp.MustCompile(`\s+`)
)

// IsWebVttFormat reports whether the given media type names WebVTT.
// Recognized values (case-insensitive, surrounding whitespace ignored) are
// "text/vtt" and "text/webvtt".
func IsWebVttFormat(format string) bool {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text/vtt", "text/webvtt":
		return true
	}
	return false
}

// LooksLikeWebVtt reports whether text begins with a WEBVTT header line,
// after stripping a leading byte-order mark and leading whitespace.
func LooksLikeWebVtt(text string) bool {
	text = strings.TrimPrefix(text, "\uFEFF")
	text = strings.TrimLeft(text, " \t\r\n")
	line, _, _ := strings.Cut(text, "\n")
	return headerRe.MatchString(strings.TrimRight(line, "\r"))
}

// Parse extracts cues from a WebVTT document. The first non-blank line must
// be a WEBVTT header (case-insensitive, optional trailing metadata); when it
// is absent, Parse returns nil rather than an error. Blocks that cannot be
// parsed as cues (comments, STYLE and REGION blocks, cues whose timing line
// is malformed, and cues whose end precedes their start) are silently
// skipped.
func Parse(text string) []Cue {
	text = strings.TrimPrefix(text, "\uFEFF")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	headerIdx := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if headerRe.MatchString(strings.TrimSpace(line)) {
			headerIdx = i
		}
		break
	}
	if headerIdx < 0 {
		return nil
	}

	body := strings.Join(lines[headerIdx+1:], "\n")
	var cues []Cue
	for _, block := range blockRe.Split(body, -1) {
		if cue, ok := parseBlock(block); ok {
			cues = append(cues, cue)
		}
	}
	return cues
}

// parseBlock parses a single newline-separated cue block. ok is false when
// the block is a comment, a non-cue block, or malformed.
func parseBlock(block string) (Cue, bool) {
	block = strings.Trim(block, "\n")
	if strings.TrimSpace(block) == "" {
		return Cue{}, false
	}
	lines := strings.Split(block, "\n")

	first := strings.ToUpper(strings.TrimSpace(lines[0]))
	for _, kw := range []string{"NOTE", "STYLE", "REGION"} {
		if first == kw || strings.HasPrefix(first, kw+" ") {
			return Cue{}, false
		}
	}

	// The timing line is either the first line of the block or, when a cue
	// identifier is present, the second.
	timingIdx := -1
	var m []string
	for i := 0; i < len(lines) && i < 2; i++ {
		if m = timingRe.FindStringSubmatch(strings.TrimSpace(lines[i])); m != nil {
			timingIdx = i
			break
		}
	}
	if timingIdx < 0 {
		return Cue{}, false
	}

	start, ok := parseTimestamp(m[1])
	if !ok {
		return Cue{}, false
	}
	end, ok := parseTimestamp(m[2])
	if !ok || end < start {
		return Cue{}, false
	}

	var identifier string
	if timingIdx == 1 {
		identifier = strings.TrimSpace(lines[0])
	}

	text := NormalizeCueText(strings.Join(lines[timingIdx+1:], " "))
	if text == "" {
		return Cue{}, false
	}

	return Cue{Identifier: identifier, Start: start, End: end, Text: text}, true
}

// Serialize renders cues as a WebVTT document. Cues with empty text are
// dropped, end times are clamped to at least one millisecond after the start,
// and the output is sorted by (start, end). Timestamps are always emitted as
// HH:MM:SS.mmm with zero-padded two-digit hours, minutes, and seconds.
func Serialize(cues []Cue) string {
	out := make([]Cue, 0, len(cues))
	for _, c := range cues {
		c.Text = strings.TrimSpace(c.Text)
		if c.Text == "" {
			continue
		}
		c.Start = roundMillis(c.Start)
		c.End = roundMillis(c.End)
		if c.End < c.Start+0.001 {
			c.End = c.Start + 0.001
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].End < out[j].End
	})

	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for _, c := range out {
		if c.Identifier != "" {
			b.WriteString(c.Identifier)
			b.WriteByte('\n')
		}
		b.WriteString(FormatTimestamp(c.Start))
		b.WriteString(" --> ")
		b.WriteString(FormatTimestamp(c.End))
		b.WriteByte('\n')
		b.WriteString(c.Text)
		b.WriteString("\n\n")
	}
	return b.String()
}

// FormatTimestamp renders a seconds value as a WebVTT HH:MM:SS.mmm timestamp.
func FormatTimestamp(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	ms := int64(math.Round(sec * 1000))
	h := ms / 3_600_000
	ms -= h * 3_600_000
	m := ms / 60_000
	ms -= m * 60_000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

// parseTimestamp parses an HH:MM:SS.mmm timestamp. Hours are optional, the
// decimal separator may be a period or a comma, and one to three fractional
// digits are accepted.
func parseTimestamp(s string) (float64, bool) {
	m := stampRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, false
	}
	var hours int
	if m[1] != "" {
		hours, _ = strconv.Atoi(m[1])
	}
	minutes, _ := strconv.Atoi(m[2])
	seconds, _ := strconv.Atoi(m[3])
	frac, _ := strconv.Atoi(m[4])
	for i := len(m[4]); i < 3; i++ {
		frac *= 10
	}
	// Rounding keeps parsed values bitwise identical to the float literal a
	// caller would write, so serialize-then-parse is an exact round trip.
	return roundMillis(float64(hours)*3600 + float64(minutes)*60 + float64(seconds) + float64(frac)/1000), true
}

// NormalizeCueText cleans raw cue text: inline markup tags are stripped,
// basic HTML entities are decoded, whitespace is collapsed to single spaces,
// and spacing around punctuation is tightened (no space before ",.;!?", no
// space after "(" or before ")").
func NormalizeCueText(s string) string {
	s = stripTags(s)

	s = strings.ReplaceAll(s, "&nbsp;", " ")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&amp;", "&")

	s = spaceRe.ReplaceAllString(s, " ")
	s = tightenBefore.ReplaceAllString(s, "$1")
	s = strings.ReplaceAll(s, "( ", "(")
	s = strings.ReplaceAll(s, " )", ")")
	return strings.TrimSpace(s)
}

// stripTags removes <...> markup using a simple state machine. It is
// intentionally minimal, not a full parser, but sufficient for the voice
// and styling tags WebVTT allows inside cue text.
func stripTags(s string) string {
	if !strings.ContainsRune(s, '<') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func roundMillis(sec float64) float64 {
	return math.Round(sec*1000) / 1000
}
