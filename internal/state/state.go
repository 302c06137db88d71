package state

import (
	"encoding/json"
	"strconv"
)

// GameState is the authoritative shared document for a session. It is a flat
// mapping of top-level keys to raw JSON values so that deltas can replace
// keys wholesale without schema validation. Well-known keys are listed below;
// unknown keys are carried through untouched.
type GameState map[string]json.RawMessage

// Well-known top-level GameState keys.
const (
	KeyPageCollections = "pageCollections"
	KeyLayers          = "layers"
	KeyCharacters      = "characters"
	KeyNotes           = "notes"
	KeyCounters        = "counters"
)

// Delta is a partial, top-level patch to a GameState. Applying a delta
// replaces the named keys wholesale; nested structures are not deep-merged.
type Delta map[string]json.RawMessage

// New returns an empty GameState.
func New() GameState {
	return make(GameState)
}

// Clone returns an independent copy of the state. Values are raw JSON and
// treated as immutable once stored, so copying the map is sufficient.
func (s GameState) Clone() GameState {
	if s == nil {
		return nil
	}
	out := make(GameState, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Clone returns an independent copy of the delta.
func (d Delta) Clone() Delta {
	if d == nil {
		return nil
	}
	out := make(Delta, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// PageCollection describes one uploaded document within a session.
type PageCollection struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	PageCount int    `json:"pageCount"`
}

// AnnotationKind identifies the drawable type of an annotation.
type AnnotationKind string

const (
	AnnotationToken   AnnotationKind = "token"
	AnnotationPath    AnnotationKind = "path"
	AnnotationRect    AnnotationKind = "rect"
	AnnotationText    AnnotationKind = "text"
	AnnotationPointer AnnotationKind = "pointer"
)

// Point is a single coordinate on a page.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Annotation is one drawable object on a layer.
type Annotation struct {
	ID     string         `json:"id"`
	Kind   AnnotationKind `json:"kind"`
	X      float64        `json:"x,omitempty"`
	Y      float64        `json:"y,omitempty"`
	Width  float64        `json:"width,omitempty"`
	Height float64        `json:"height,omitempty"`
	Points []Point        `json:"points,omitempty"`
	Text   string         `json:"text,omitempty"`
	Color  string         `json:"color,omitempty"`
}

// Layer is an ordered group of annotations on one page.
type Layer struct {
	ID          string       `json:"id"`
	Name        string       `json:"name,omitempty"`
	Visible     bool         `json:"visible"`
	Annotations []Annotation `json:"annotations"`
}

// PageKey builds the layers-map key for a page within a collection.
func PageKey(collectionID string, pageNum int) string {
	return collectionID + "/" + strconv.Itoa(pageNum)
}
