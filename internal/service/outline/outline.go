// Package outline holds the editable slide content produced by content
// generation and consumed by the presentation build.
package outline

import (
	"fmt"
	"reflect"
	"sort"
)

type Element struct {
	ID           string                 `json:"id"`
	Text         string                 `json:"text"`
	Role         string                 `json:"role,omitempty"`
	OriginalText string                 `json:"originalText,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

type Slide struct {
	// Index is 1-based and matches the backend's numbering.
	Index    int       `json:"index"`
	Role     string    `json:"role"`
	Elements []Element `json:"elements"`
	Note     string    `json:"note,omitempty"`
}

// Outline is an ordered list of slides. It is not safe for concurrent use;
// the owning session serializes access.
type Outline struct {
	slides []Slide
}

// New takes a deep copy of slides ordered by index and validates it.
func New(slides []Slide) (*Outline, error) {
	ordered := cloneSlides(slides)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })
	if err := Validate(ordered); err != nil {
		return nil, err
	}
	return &Outline{slides: ordered}, nil
}

// Validate checks that indices are unique and contiguous from 1, in order,
// and that element ids are non-empty and unique within each slide.
func Validate(slides []Slide) error {
	for i, s := range slides {
		if s.Index != i+1 {
			return fmt.Errorf("slide %d: index %d, want %d", i, s.Index, i+1)
		}
		seen := make(map[string]struct{}, len(s.Elements))
		for _, el := range s.Elements {
			if el.ID == "" {
				return fmt.Errorf("slide %d: element without id", s.Index)
			}
			if _, dup := seen[el.ID]; dup {
				return fmt.Errorf("slide %d: duplicate element id %q", s.Index, el.ID)
			}
			seen[el.ID] = struct{}{}
		}
	}
	return nil
}

func (o *Outline) Len() int {
	if o == nil {
		return 0
	}
	return len(o.slides)
}

// Slides returns a deep copy of the slides.
func (o *Outline) Slides() []Slide {
	if o == nil {
		return nil
	}
	return cloneSlides(o.slides)
}

// Element looks up an element by slide index and id.
func (o *Outline) Element(slideIndex int, elementID string) (Element, bool) {
	el := o.find(slideIndex, elementID)
	if el == nil {
		return Element{}, false
	}
	return cloneElement(*el), true
}

// SetElementText replaces an element's text in place. Unresolved slide
// indices or element ids are a no-op and return false.
func (o *Outline) SetElementText(slideIndex int, elementID, text string) bool {
	el := o.find(slideIndex, elementID)
	if el == nil {
		return false
	}
	el.Text = text
	return true
}

func (o *Outline) ClearElementText(slideIndex int, elementID string) bool {
	return o.SetElementText(slideIndex, elementID, "")
}

func (o *Outline) find(slideIndex int, elementID string) *Element {
	if o == nil || slideIndex < 1 || slideIndex > len(o.slides) {
		return nil
	}
	s := &o.slides[slideIndex-1]
	for i := range s.Elements {
		if s.Elements[i].ID == elementID {
			return &s.Elements[i]
		}
	}
	return nil
}

func (o *Outline) Clone() *Outline {
	if o == nil {
		return nil
	}
	return &Outline{slides: cloneSlides(o.slides)}
}

// Equal compares two outlines by value.
func (o *Outline) Equal(other *Outline) bool {
	if o.Len() != other.Len() {
		return false
	}
	if o.Len() == 0 {
		return true
	}
	return reflect.DeepEqual(o.slides, other.slides)
}

func cloneSlides(in []Slide) []Slide {
	if in == nil {
		return nil
	}
	out := make([]Slide, len(in))
	for i, s := range in {
		out[i] = s
		if s.Elements != nil {
			out[i].Elements = make([]Element, len(s.Elements))
			for j, el := range s.Elements {
				out[i].Elements[j] = cloneElement(el)
			}
		}
	}
	return out
}

func cloneElement(el Element) Element {
	if el.Metadata != nil {
		el.Metadata = cloneValue(el.Metadata).(map[string]interface{})
	}
	return el
}

// cloneValue deep-copies decoded JSON values.
func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[k] = cloneValue(val)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, val := range t {
			s[i] = cloneValue(val)
		}
		return s
	default:
		return v
	}
}
