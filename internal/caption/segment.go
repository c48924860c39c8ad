// Package caption groups word-level timestamps into caption-length WebVTT
// cues.
//
// Segmentation is a pure function over a flat word list. It runs in two
// phases: a greedy forward pass that decides where to break between words
// (honoring duration, character-count, word-count, and inter-word-gap
// limits), then a repair pass that merges away "dangling" fragments, groups
// consisting solely or predominantly of connector words. A purely greedy
// pass tends to strand a lone "of" or "the" at sentence boundaries; the
// repair pass exists specifically to remove those orphans.
package caption

import (
	"math"
	"regexp"
	"strings"

	"github.com/nulib-labs/clover-mark-plugin/pkg/asr"
	"github.com/nulib-labs/clover-mark-plugin/pkg/webvtt"
)

// Default limits for caption cues. These match common broadcast captioning
// practice: roughly two 28-character lines, between 1.4 and 6.5 seconds on
// screen.
const (
	DefaultMaxChars    = 56
	DefaultMaxDuration = 6.5
	DefaultMinDuration = 1.4
	DefaultMaxWords    = 16
	DefaultMaxGap      = 1.1
)

// DefaultConnectors is the English function-word set used to detect dangling
// fragments. The heuristics are language-specific: callers localizing
// segmentation to another language supply their own set via
// [Options.Connectors].
var DefaultConnectors = []string{
	"a", "an", "and", "as", "at", "be", "been", "being", "but", "by",
	"for", "from", "if", "in", "into", "is", "it", "its", "of", "on",
	"or", "our", "so", "that", "the", "their", "then", "these", "this",
	"those", "to", "was", "were", "which", "with",
}

// Options tunes the segmentation limits. The zero value selects the package
// defaults for every field.
type Options struct {
	// MaxChars is the preferred maximum cue text length in characters.
	MaxChars int

	// MaxDuration is the preferred maximum cue duration in seconds.
	MaxDuration float64

	// MinDuration is the minimum cue duration in seconds before a natural
	// (punctuation-based) break is allowed.
	MinDuration float64

	// MaxWords is the preferred maximum number of words per cue.
	MaxWords int

	// MaxGap is the inter-word silence in seconds beyond which a break is
	// preferred.
	MaxGap float64

	// Connectors overrides the connector/function-word set used by the
	// dangling-fragment heuristics. Empty means [DefaultConnectors].
	Connectors []string
}

// withDefaults returns a copy of o with zero fields replaced by defaults.
func (o Options) withDefaults() Options {
	if o.MaxChars <= 0 {
		o.MaxChars = DefaultMaxChars
	}
	if o.MaxDuration <= 0 {
		o.MaxDuration = DefaultMaxDuration
	}
	if o.MinDuration <= 0 {
		o.MinDuration = DefaultMinDuration
	}
	if o.MaxWords <= 0 {
		o.MaxWords = DefaultMaxWords
	}
	if o.MaxGap <= 0 {
		o.MaxGap = DefaultMaxGap
	}
	if len(o.Connectors) == 0 {
		o.Connectors = DefaultConnectors
	}
	return o
}

// hardMaxDuration is the override ceiling above MaxDuration that hard breaks
// enforce regardless of linguistic heuristics.
func (o Options) hardMaxDuration() float64 {
	return math.Max(o.MaxDuration+1.5, o.MaxDuration*1.35)
}

var (
	// sentenceEndRe matches terminal punctuation optionally followed by
	// closing quotes or brackets.
	sentenceEndRe = regexp.MustCompile(`[.!?]["'")\]]*$`)

	// softPunctRe matches clause-level punctuation at the end of a word.
	softPunctRe = regexp.MustCompile(`[,;:]$`)

	nonAlnumRe = regexp.MustCompile(`[^a-zA-Z0-9]+`)
)

// SegmentWords groups a flat, possibly out-of-order word list into
// non-overlapping caption cues. Words are normalized defensively first
// (trimmed, clamped, sorted); words with empty text are dropped. Every
// returned cue has non-empty text and an end time strictly greater than its
// start time.
func SegmentWords(words []asr.TimedWord, opts Options) []webvtt.Cue {
	o := opts.withDefaults()
	clean := asr.NormalizeWords(words)
	if len(clean) == 0 {
		return nil
	}

	conns := make(map[string]bool, len(o.Connectors))
	for _, c := range o.Connectors {
		conns[strings.ToLower(c)] = true
	}

	s := segmenter{opts: o, hardMax: o.hardMaxDuration(), connectors: conns}
	groups := s.groupGreedy(clean)
	groups = s.repair(groups)

	cues := make([]webvtt.Cue, 0, len(groups))
	for _, g := range groups {
		text := webvtt.NormalizeCueText(strings.Join(g.texts(), " "))
		if text == "" {
			continue
		}
		start := g.start()
		end := g.end()
		if end < start+0.001 {
			end = start + 0.001
		}
		cues = append(cues, webvtt.Cue{Start: start, End: end, Text: text})
	}
	return cues
}

// ─────────────────────────────────────────────────────────────────────────────
// Greedy pass
// ─────────────────────────────────────────────────────────────────────────────

type segmenter struct {
	opts       Options
	hardMax    float64
	connectors map[string]bool
}

// group is a run of consecutive words destined for one cue.
type group struct {
	words []asr.TimedWord
}

func (g *group) start() float64 { return g.words[0].Start }

func (g *group) end() float64 {
	end := g.words[0].End
	for _, w := range g.words[1:] {
		if w.End > end {
			end = w.End
		}
	}
	return end
}

func (g *group) duration() float64 { return g.end() - g.start() }

func (g *group) texts() []string {
	out := make([]string, len(g.words))
	for i, w := range g.words {
		out[i] = w.Text
	}
	return out
}

func (g *group) textLen() int {
	n := len(g.words) - 1 // joining spaces
	for _, w := range g.words {
		n += len(w.Text)
	}
	return n
}

func (g *group) last() asr.TimedWord { return g.words[len(g.words)-1] }

// groupGreedy performs the forward pass: each word either extends the
// current group or starts a new one, according to the tiered break rules.
func (s *segmenter) groupGreedy(words []asr.TimedWord) []*group {
	groups := []*group{{words: []asr.TimedWord{words[0]}}}
	cur := groups[0]

	for _, w := range words[1:] {
		if s.breakBefore(cur, w) {
			cur = &group{words: []asr.TimedWord{w}}
			groups = append(groups, cur)
		} else {
			cur.words = append(cur.words, w)
		}
	}
	return groups
}

// breakBefore decides whether w starts a new group rather than extending g.
// Decision tiers, in priority order: hard breaks always fire, natural
// (punctuation) breaks fire once the group is long enough on screen, and
// soft breaks fire unless the group would be left linguistically dangling.
func (s *segmenter) breakBefore(g *group, w asr.TimedWord) bool {
	o := s.opts
	last := g.last()
	n := len(g.words)

	gap := w.Start - last.End
	newDur := w.End - g.start()
	newLen := g.textLen() + 1 + len(w.Text)

	// Hard breaks: limits that may never be exceeded.
	switch {
	case gap > 1.8*o.MaxGap:
		return true
	case n >= 3 && newDur > s.hardMax:
		return true
	case n >= 4 && float64(newLen) > 1.65*float64(o.MaxChars):
		return true
	case n >= o.MaxWords+4:
		return true
	}

	// Natural boundaries: sentence-final punctuation, or clause punctuation
	// when the group is already approaching its limits.
	curDur := last.End - g.start()
	if curDur >= o.MinDuration {
		if sentenceEndRe.MatchString(last.Text) {
			return true
		}
		if softPunctRe.MatchString(last.Text) &&
			(float64(newLen) > 0.7*float64(o.MaxChars) || newDur > 0.7*o.MaxDuration) {
			return true
		}
	}

	// Soft breaks: preferred limits, suppressed when breaking here would
	// strand a fragment or split mid-phrase.
	soft := gap > o.MaxGap ||
		(n >= 2 && newDur > o.MaxDuration) ||
		(n >= 3 && newLen > o.MaxChars) ||
		n >= o.MaxWords
	if !soft {
		return false
	}
	if n < 3 || s.dangling(g) || s.isConnector(last.Text) || s.isConnector(w.Text) {
		return false
	}
	return true
}

// ─────────────────────────────────────────────────────────────────────────────
// Repair pass
// ─────────────────────────────────────────────────────────────────────────────

// repair merges dangling groups into a neighbor, merges adjacent groups
// joined by a connector word, and folds single-word groups too brief to
// stand on screen into their predecessor. Each merge reduces the group
// count, so the loop terminates.
func (s *segmenter) repair(groups []*group) []*group {
	for len(groups) > 1 {
		if i := s.findDangling(groups); i >= 0 {
			groups = s.mergeDangling(groups, i)
			continue
		}
		if i := s.findConnectorSeam(groups); i >= 0 {
			groups = mergeAt(groups, i)
			continue
		}
		if i := s.findShortOrphan(groups); i >= 0 {
			groups = mergeAt(groups, i-1)
			continue
		}
		break
	}
	return groups
}

func (s *segmenter) findDangling(groups []*group) int {
	for i, g := range groups {
		if s.dangling(g) {
			return i
		}
	}
	return -1
}

// mergeDangling folds groups[i] into the previous group when the result
// stays within the repair ceilings, otherwise into the next group. A
// dangling group is never left alone while it has any neighbor.
func (s *segmenter) mergeDangling(groups []*group, i int) []*group {
	switch {
	case i > 0 && s.fitsMerge(groups[i-1], groups[i]):
		return mergeAt(groups, i-1)
	case i+1 < len(groups):
		return mergeAt(groups, i)
	default:
		return mergeAt(groups, i-1)
	}
}

// findConnectorSeam returns the index of the first group that ends with a
// connector word or is followed by a group starting with one, provided the
// merged group stays within the repair ceilings.
func (s *segmenter) findConnectorSeam(groups []*group) int {
	for i := 0; i+1 < len(groups); i++ {
		a, b := groups[i], groups[i+1]
		if !s.isConnector(a.last().Text) && !s.isConnector(b.words[0].Text) {
			continue
		}
		if s.fitsMerge(a, b) {
			return i
		}
	}
	return -1
}

// findShortOrphan returns the index of a single-word group shorter than the
// minimum cue duration, provided folding it into the previous group stays
// within the repair ceilings. The greedy character limit can strand the last
// word of a sentence this way.
func (s *segmenter) findShortOrphan(groups []*group) int {
	for i := 1; i < len(groups); i++ {
		g := groups[i]
		if len(g.words) == 1 && g.duration() < s.opts.MinDuration && s.fitsMerge(groups[i-1], g) {
			return i
		}
	}
	return -1
}

// fitsMerge reports whether joining a and b stays within the repair-phase
// size ceilings (looser than the greedy limits).
func (s *segmenter) fitsMerge(a, b *group) bool {
	combinedLen := a.textLen() + 1 + b.textLen()
	combinedDur := b.end() - a.start()
	return float64(combinedLen) <= 1.75*float64(s.opts.MaxChars) &&
		combinedDur <= 1.5*s.hardMax
}

// mergeAt joins groups[i] and groups[i+1] in place.
func mergeAt(groups []*group, i int) []*group {
	groups[i].words = append(groups[i].words, groups[i+1].words...)
	return append(groups[:i+1], groups[i+2:]...)
}

// ─────────────────────────────────────────────────────────────────────────────
// Linguistic heuristics
// ─────────────────────────────────────────────────────────────────────────────

// dangling reports whether a group is a fragment that should not stand as
// its own cue: no content words at all, a lone connector, a short run made
// entirely of connectors, or text trailing off on a connector.
func (s *segmenter) dangling(g *group) bool {
	content := 0
	allConnectors := true
	for _, w := range g.words {
		if nonAlnumRe.ReplaceAllString(w.Text, "") != "" {
			content++
		}
		if !s.isConnector(w.Text) {
			allConnectors = false
		}
	}
	if content == 0 {
		return true
	}
	if len(g.words) == 1 && s.isConnector(g.words[0].Text) {
		return true
	}
	if len(g.words) <= 3 && allConnectors {
		return true
	}
	return s.isConnector(g.last().Text)
}

// isConnector reports whether text, reduced to its alphanumeric core and
// lower-cased, is in the connector set.
func (s *segmenter) isConnector(text string) bool {
	key := strings.ToLower(nonAlnumRe.ReplaceAllString(text, ""))
	return key != "" && s.connectors[key]
}
