package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound means the target slide or component is absent, usually
	// because a remote delete landed first.
	ErrNotFound = errors.New("not found")
	// ErrInvariant is a rejected structural change (background edits, bad indexes).
	ErrInvariant = errors.New("invariant violation")
	// ErrCountMismatch is a failed slide-count post-condition.
	ErrCountMismatch = errors.New("slide count mismatch")
	// ErrStatusDowngrade marks an attempt to regress a completed slide.
	ErrStatusDowngrade = errors.New("status downgrade")
)

const ComponentBackground = "background"

type Status string

const (
	StatusPending    Status = "pending"
	StatusGenerating Status = "generating"
	StatusCompleted  Status = "completed"
)

// Rank orders statuses so that merges can only move forward.
func (s Status) Rank() int {
	switch s {
	case StatusGenerating:
		return 1
	case StatusCompleted:
		return 2
	default:
		return 0
	}
}

func (s Status) Valid() bool {
	return s == StatusPending || s == StatusGenerating || s == StatusCompleted
}

// Props is a JSON-shaped property bag.
type Props map[string]any

func (p Props) Clone() Props {
	if p == nil {
		return nil
	}
	out := make(Props, len(p))
	for k, v := range p {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies JSON-shaped values.
func CloneValue(v any) any {
	switch t := v.(type) {
	case Props:
		return t.Clone()
	case map[string]any:
		return map[string]any(Props(t).Clone())
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = CloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

type Component struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Locked  bool   `json:"locked"`
	Visible bool   `json:"visible"`
	Style   Props  `json:"style,omitempty"`
	Props   Props  `json:"props"`
}

func (c *Component) IsBackground() bool {
	return c != nil && c.Type == ComponentBackground
}

func (c *Component) Clone() *Component {
	if c == nil {
		return nil
	}
	out := *c
	out.Style = c.Style.Clone()
	out.Props = c.Props.Clone()
	return &out
}

// ComponentUpdate is a partial update. Present keys overwrite, nil values delete.
type ComponentUpdate struct {
	Type    *string `json:"type,omitempty"`
	Locked  *bool   `json:"locked,omitempty"`
	Visible *bool   `json:"visible,omitempty"`
	Style   Props   `json:"style,omitempty"`
	Props   Props   `json:"props,omitempty"`
}

func (u ComponentUpdate) IsEmpty() bool {
	return u.Type == nil && u.Locked == nil && u.Visible == nil && len(u.Style) == 0 && len(u.Props) == 0
}

// Apply merges the update into c key by key.
func (u ComponentUpdate) Apply(c *Component) {
	if u.Type != nil {
		c.Type = *u.Type
	}
	if u.Locked != nil {
		c.Locked = *u.Locked
	}
	if u.Visible != nil {
		c.Visible = *u.Visible
	}
	c.Style = mergeProps(c.Style, u.Style)
	c.Props = mergeProps(c.Props, u.Props)
}

func mergeProps(dst, patch Props) Props {
	if len(patch) == 0 {
		return dst
	}
	if dst == nil {
		dst = Props{}
	}
	for k, v := range patch {
		if v == nil {
			delete(dst, k)
			continue
		}
		dst[k] = CloneValue(v)
	}
	return dst
}

// CheckRetype rejects a type change that would add or remove a background.
// A slide gets exactly one background when it is created.
func (u ComponentUpdate) CheckRetype(c *Component) error {
	if u.Type == nil || c == nil {
		return nil
	}
	toBackground := *u.Type == ComponentBackground
	switch {
	case c.IsBackground() && !toBackground:
		return fmt.Errorf("cannot retype background %s: %w", c.ID, ErrInvariant)
	case !c.IsBackground() && toBackground:
		return fmt.Errorf("component %s cannot become a background: %w", c.ID, ErrInvariant)
	}
	return nil
}

// CheckAddable rejects components that may not be added to an existing slide.
func CheckAddable(c *Component) error {
	if c.IsBackground() {
		return fmt.Errorf("background is created with the slide: %w", ErrInvariant)
	}
	return nil
}

// NewComponent builds a visible component with a fresh id.
func NewComponent(componentType string, props Props) *Component {
	if props == nil {
		props = Props{}
	}
	return &Component{ID: uuid.NewString(), Type: componentType, Visible: true, Props: props}
}

func NewBackground() *Component {
	return NewComponent(ComponentBackground, Props{"fill": "#ffffff"})
}

type Slide struct {
	ID         string       `json:"id"`
	Title      string       `json:"title"`
	Notes      string       `json:"notes,omitempty"`
	Status     Status       `json:"status"`
	Components []*Component `json:"components"`
}

// NewSlide returns a completed slide holding only its background.
func NewSlide(title string) *Slide {
	return &Slide{
		ID:         uuid.NewString(),
		Title:      title,
		Status:     StatusCompleted,
		Components: []*Component{NewBackground()},
	}
}

type SlidePatch struct {
	Title  *string `json:"title,omitempty"`
	Notes  *string `json:"notes,omitempty"`
	Status *Status `json:"status,omitempty"`
}

func (s *Slide) ComponentIndex(id string) int {
	for i, c := range s.Components {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func (s *Slide) Component(id string) *Component {
	if i := s.ComponentIndex(id); i >= 0 {
		return s.Components[i]
	}
	return nil
}

func (s *Slide) Background() *Component {
	for _, c := range s.Components {
		if c.IsBackground() {
			return c
		}
	}
	return nil
}

// Normalize pins a single background at the lowest stacking order.
func (s *Slide) Normalize() {
	var bg *Component
	rest := make([]*Component, 0, len(s.Components))
	for _, c := range s.Components {
		if c.IsBackground() {
			if bg == nil {
				bg = c
			}
			continue
		}
		rest = append(rest, c)
	}
	if bg == nil {
		bg = NewBackground()
	}
	s.Components = append([]*Component{bg}, rest...)
}

// InsertComponent places c at index, never below the background.
func (s *Slide) InsertComponent(c *Component, index int) {
	if index < 1 || index > len(s.Components) {
		index = len(s.Components)
	}
	s.Components = append(s.Components, nil)
	copy(s.Components[index+1:], s.Components[index:])
	s.Components[index] = c
}

func (s *Slide) RemoveComponent(id string) bool {
	i := s.ComponentIndex(id)
	if i < 0 {
		return false
	}
	s.Components = append(s.Components[:i], s.Components[i+1:]...)
	return true
}

// MoveComponent changes stacking order. The background never moves and
// nothing can be placed beneath it.
func (s *Slide) MoveComponent(id string, to int) error {
	from := s.ComponentIndex(id)
	if from < 0 {
		return fmt.Errorf("component %s: %w", id, ErrNotFound)
	}
	if s.Components[from].IsBackground() {
		return fmt.Errorf("cannot move background: %w", ErrInvariant)
	}
	if to < 1 {
		to = 1
	}
	if to >= len(s.Components) {
		to = len(s.Components) - 1
	}
	c := s.Components[from]
	s.Components = append(s.Components[:from], s.Components[from+1:]...)
	s.Components = append(s.Components, nil)
	copy(s.Components[to+1:], s.Components[to:])
	s.Components[to] = c
	return nil
}

// ApplyPatch updates slide fields. A downgrade from completed is corrected in
// place and reported through ErrStatusDowngrade; the other fields still apply.
func (s *Slide) ApplyPatch(p SlidePatch) (changed bool, err error) {
	if p.Title != nil && *p.Title != s.Title {
		s.Title = *p.Title
		changed = true
	}
	if p.Notes != nil && *p.Notes != s.Notes {
		s.Notes = *p.Notes
		changed = true
	}
	if p.Status != nil && *p.Status != s.Status {
		if s.Status == StatusCompleted {
			return changed, fmt.Errorf("slide %s %s -> %s: %w", s.ID, s.Status, *p.Status, ErrStatusDowngrade)
		}
		s.Status = *p.Status
		changed = true
	}
	return changed, nil
}

func (s *Slide) Clone() *Slide {
	if s == nil {
		return nil
	}
	out := *s
	out.Components = make([]*Component, len(s.Components))
	for i, c := range s.Components {
		out.Components[i] = c.Clone()
	}
	return &out
}

// Duplicate copies the slide with new identifiers for it and every component.
func (s *Slide) Duplicate() *Slide {
	out := s.Clone()
	out.ID = uuid.NewString()
	for _, c := range out.Components {
		c.ID = uuid.NewString()
	}
	return out
}

type Document struct {
	ID        string       `json:"id"`
	Title     string       `json:"title"`
	Width     int          `json:"width"`
	Height    int          `json:"height"`
	Slides    []*Slide     `json:"slides"`
	Version   VersionStamp `json:"version"`
	UpdatedAt time.Time    `json:"updated_at"`
}

func (d *Document) SlideIndex(id string) int {
	for i, s := range d.Slides {
		if s.ID == id {
			return i
		}
	}
	return -1
}

func (d *Document) Slide(id string) *Slide {
	if i := d.SlideIndex(id); i >= 0 {
		return d.Slides[i]
	}
	return nil
}

func (d *Document) InsertSlide(s *Slide, index int) {
	if index < 0 || index > len(d.Slides) {
		index = len(d.Slides)
	}
	d.Slides = append(d.Slides, nil)
	copy(d.Slides[index+1:], d.Slides[index:])
	d.Slides[index] = s
}

func (d *Document) RemoveSlide(id string) bool {
	i := d.SlideIndex(id)
	if i < 0 {
		return false
	}
	d.Slides = append(d.Slides[:i], d.Slides[i+1:]...)
	return true
}

// ReplaceSlide swaps in a re-projected slide, keeping its position.
func (d *Document) ReplaceSlide(s *Slide) bool {
	i := d.SlideIndex(s.ID)
	if i < 0 {
		return false
	}
	d.Slides[i] = s
	return true
}

func (d *Document) MoveSlide(from, to int) error {
	n := len(d.Slides)
	if from < 0 || from >= n || to < 0 || to >= n {
		return fmt.Errorf("reorder %d -> %d of %d slides: %w", from, to, n, ErrInvariant)
	}
	s := d.Slides[from]
	d.Slides = append(d.Slides[:from], d.Slides[from+1:]...)
	d.Slides = append(d.Slides, nil)
	copy(d.Slides[to+1:], d.Slides[to:])
	d.Slides[to] = s
	return nil
}

func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	out.Slides = make([]*Slide, len(d.Slides))
	for i, s := range d.Slides {
		out.Slides[i] = s.Clone()
	}
	return &out
}

// MutationResult reports what a queued operation did. Not-found and invariant
// cases come back as Applied=false with a Reason instead of an error.
type MutationResult struct {
	Applied   bool         `json:"applied"`
	Reason    string       `json:"reason,omitempty"`
	Version   VersionStamp `json:"version"`
	Slide     *Slide       `json:"slide,omitempty"`
	Component *Component   `json:"component,omitempty"`
}
