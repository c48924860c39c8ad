// Package iiif renders caption cues as a IIIF Presentation 3 AnnotationPage
// so viewers that consume annotation-based captions can display them without
// a separate WebVTT track. Each cue becomes a supplementing annotation whose
// target is the canvas with a media fragment time range.
package iiif

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/nulib-labs/clover-mark-plugin/pkg/webvtt"
)

const presentationContext = "http://iiif.io/api/presentation/3/context.json"

// AnnotationPage is a IIIF Presentation 3 annotation page. Label and Summary
// are optional language maps; set them with [LangMap].
type AnnotationPage struct {
	Context string              `json:"@context"`
	ID      string              `json:"id"`
	Type    string              `json:"type"`
	Label   map[string][]string `json:"label,omitempty"`
	Summary map[string][]string `json:"summary,omitempty"`
	Items   []Annotation        `json:"items"`
}

// LangMap builds the single-language value map Presentation 3 uses for label
// and summary properties.
func LangMap(lang, value string) map[string][]string {
	return map[string][]string{lang: {value}}
}

// Annotation is a single supplementing annotation carrying one cue.
type Annotation struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	Motivation string      `json:"motivation"`
	Body       TextualBody `json:"body"`
	Target     string      `json:"target"`
}

// TextualBody is the plain-text body of an annotation.
type TextualBody struct {
	Type   string `json:"type"`
	Value  string `json:"value"`
	Format string `json:"format"`
}

// NewAnnotationPage builds an AnnotationPage from cues targeting the given
// canvas ID. When pageID is empty a random UUID-based identifier is minted,
// and each annotation always gets its own UUID fragment under the page ID.
func NewAnnotationPage(cues []webvtt.Cue, canvasID, pageID string) *AnnotationPage {
	if pageID == "" {
		pageID = "urn:uuid:" + uuid.NewString()
	}

	items := make([]Annotation, 0, len(cues))
	for _, cue := range cues {
		items = append(items, Annotation{
			ID:         pageID + "/annotations/" + uuid.NewString(),
			Type:       "Annotation",
			Motivation: "supplementing",
			Body: TextualBody{
				Type:   "TextualBody",
				Value:  cue.Text,
				Format: "text/plain",
			},
			Target: fragmentTarget(canvasID, cue.Start, cue.End),
		})
	}

	return &AnnotationPage{
		Context: presentationContext,
		ID:      pageID,
		Type:    "AnnotationPage",
		Items:   items,
	}
}

// Marshal serializes the page as indented JSON.
func (p *AnnotationPage) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("iiif: marshal annotation page: %w", err)
	}
	return data, nil
}

// fragmentTarget appends a media fragment time range to the canvas ID,
// trimming trailing zeros so 1.500000 renders as 1.5.
func fragmentTarget(canvasID string, start, end float64) string {
	return canvasID + "#t=" +
		strconv.FormatFloat(start, 'f', -1, 64) + "," +
		strconv.FormatFloat(end, 'f', -1, 64)
}
