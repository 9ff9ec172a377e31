package shard

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"slidesync/internal/document/model"
)

type register struct {
	value any
	clock Clock
	set   bool
}

func (r *register) assign(v any, c Clock) bool {
	if r.set && !r.clock.Less(c) {
		return false
	}
	r.value, r.clock, r.set = v, c, true
	return true
}

// assignStatus is a max-register: a lower status never replaces a higher
// one, whatever order the ops arrive in.
func (r *register) assignStatus(v any, c Clock) bool {
	next := toStatus(v)
	if r.set {
		cur := toStatus(r.value)
		if next.Rank() < cur.Rank() {
			return false
		}
		if next.Rank() == cur.Rank() && !r.clock.Less(c) {
			return false
		}
	}
	r.value, r.clock, r.set = string(next), c, true
	return true
}

type componentState struct {
	id      string
	fields  map[string]*register
	style   map[string]*register
	props   map[string]*register
	rank    register
	removed register
}

func newComponentState(id string) *componentState {
	return &componentState{
		id:     id,
		fields: map[string]*register{},
		style:  map[string]*register{},
		props:  map[string]*register{},
	}
}

func setKey(m map[string]*register, key string, v any, c Clock) bool {
	r, ok := m[key]
	if !ok {
		r = &register{}
		m[key] = r
	}
	return r.assign(model.CloneValue(v), c)
}

func (cs *componentState) alive() bool {
	return cs.rank.set && !(cs.removed.set && cs.removed.value == true)
}

func (cs *componentState) project() *model.Component {
	c := &model.Component{ID: cs.id, Props: model.Props{}}
	if r, ok := cs.fields[fieldType]; ok {
		c.Type, _ = r.value.(string)
	}
	if r, ok := cs.fields[fieldLocked]; ok {
		c.Locked, _ = r.value.(bool)
	}
	if r, ok := cs.fields[fieldVisible]; ok {
		c.Visible, _ = r.value.(bool)
	}
	for k, r := range cs.style {
		if r.value != nil {
			if c.Style == nil {
				c.Style = model.Props{}
			}
			c.Style[k] = model.CloneValue(r.value)
		}
	}
	for k, r := range cs.props {
		if r.value != nil {
			c.Props[k] = model.CloneValue(r.value)
		}
	}
	return c
}

func (cs *componentState) rankValue() float64 {
	f, _ := toFloat(cs.rank.value)
	return f
}

// Shard is the replicated state of one slide.
type Shard struct {
	mu         sync.Mutex
	docID      string
	slideID    string
	actor      string
	counter    uint64
	title      register
	notes      register
	status     register
	components map[string]*componentState
	seen       map[string]struct{}
	pending    []Op
}

func newShard(docID, slideID, actor string) *Shard {
	return &Shard{
		docID:      docID,
		slideID:    slideID,
		actor:      actor,
		components: map[string]*componentState{},
		seen:       map[string]struct{}{},
	}
}

func (s *Shard) SlideID() string { return s.slideID }

// Merge applies a remote op and reports whether state changed.
func (s *Shard) Merge(op Op) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(op)
}

func (s *Shard) apply(op Op) bool {
	if _, dup := s.seen[op.ID]; dup {
		return false
	}
	s.seen[op.ID] = struct{}{}
	if op.Clock.Counter > s.counter {
		s.counter = op.Clock.Counter
	}

	changed := false
	switch op.Kind {
	case OpSlideSet:
		for k, v := range op.Fields {
			switch k {
			case fieldTitle:
				changed = s.title.assign(v, op.Clock) || changed
			case fieldNotes:
				changed = s.notes.assign(v, op.Clock) || changed
			case fieldStatus:
				changed = s.status.assignStatus(v, op.Clock) || changed
			}
		}
	case OpComponentAdd, OpComponentSet:
		cs := s.components[op.ComponentID]
		if cs == nil {
			cs = newComponentState(op.ComponentID)
			s.components[op.ComponentID] = cs
		}
		for k, v := range op.Fields {
			changed = setKey(cs.fields, k, v, op.Clock) || changed
		}
		for k, v := range op.Style {
			changed = setKey(cs.style, k, v, op.Clock) || changed
		}
		for k, v := range op.Props {
			changed = setKey(cs.props, k, v, op.Clock) || changed
		}
		if op.Kind == OpComponentAdd {
			changed = cs.rank.assign(op.Rank, op.Clock) || changed
			changed = cs.removed.assign(false, op.Clock) || changed
		}
	case OpComponentRemove:
		cs := s.components[op.ComponentID]
		if cs == nil {
			cs = newComponentState(op.ComponentID)
			s.components[op.ComponentID] = cs
		}
		changed = cs.removed.assign(true, op.Clock)
	case OpComponentMove:
		if cs := s.components[op.ComponentID]; cs != nil {
			changed = cs.rank.assign(op.Rank, op.Clock)
		}
	}
	return changed
}

// local stamps op with the next clock, applies it and queues it for push.
func (s *Shard) local(op Op) Op {
	s.counter++
	op.ID = uuid.NewString()
	op.DocID = s.docID
	op.SlideID = s.slideID
	op.Clock = Clock{Counter: s.counter, Actor: s.actor}
	s.apply(op)
	s.pending = append(s.pending, op)
	return op
}

// requeue applies ops that were journaled before eviction and keeps them
// pending until the transport acknowledges them.
func (s *Shard) requeue(ops []Op) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		if _, dup := s.seen[op.ID]; dup {
			continue
		}
		s.apply(op)
		s.pending = append(s.pending, op)
	}
}

func (s *Shard) Pending() []Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Op, len(s.pending))
	copy(out, s.pending)
	return out
}

func (s *Shard) Ack(ops []Op) {
	acked := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		acked[op.ID] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.pending[:0]
	for _, op := range s.pending {
		if _, ok := acked[op.ID]; !ok {
			kept = append(kept, op)
		}
	}
	s.pending = kept
}

// Empty reports whether the shard has never seen an op.
func (s *Shard) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen) == 0
}

// Project re-derives the canonical slide from merged state.
func (s *Shard) Project() *model.Slide {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.project()
}

func (s *Shard) project() *model.Slide {
	slide := &model.Slide{ID: s.slideID, Status: model.StatusPending}
	slide.Title, _ = s.title.value.(string)
	slide.Notes, _ = s.notes.value.(string)
	if s.status.set {
		slide.Status = toStatus(s.status.value)
	}
	var bg *model.Component
	for _, cs := range s.ordered() {
		c := cs.project()
		if c.IsBackground() {
			if bg == nil {
				bg = c
			}
			continue
		}
		slide.Components = append(slide.Components, c)
	}
	if bg != nil {
		slide.Components = append([]*model.Component{bg}, slide.Components...)
	}
	if slide.Components == nil {
		slide.Components = []*model.Component{}
	}
	return slide
}

// ordered lists live components by rank with the background first.
func (s *Shard) ordered() []*componentState {
	out := make([]*componentState, 0, len(s.components))
	for _, cs := range s.components {
		if cs.alive() {
			out = append(out, cs)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		bi, bj := isBackground(out[i]), isBackground(out[j])
		if bi != bj {
			return bi
		}
		ri, rj := out[i].rankValue(), out[j].rankValue()
		if ri != rj {
			return ri < rj
		}
		return out[i].id < out[j].id
	})
	return out
}

func isBackground(cs *componentState) bool {
	r, ok := cs.fields[fieldType]
	return ok && r.value == model.ComponentBackground
}

// rankAt returns a rank that places a component at index of the current
// order, excluding skipID. Index 0 is reserved for the background.
func (s *Shard) rankAt(index int, skipID string) float64 {
	var order []*componentState
	for _, cs := range s.ordered() {
		if cs.id != skipID {
			order = append(order, cs)
		}
	}
	if index == 0 && len(order) > 0 && isBackground(order[0]) {
		index = 1
	}
	if index < 0 || index >= len(order) {
		if len(order) == 0 {
			return 0
		}
		return order[len(order)-1].rankValue() + 1
	}
	next := order[index].rankValue()
	if index == 0 || isBackground(order[index-1]) {
		return next - 1
	}
	return (order[index-1].rankValue() + next) / 2
}

func (s *Shard) hasLive(id string) (*componentState, bool) {
	cs, ok := s.components[id]
	if !ok || !cs.alive() {
		return nil, false
	}
	return cs, true
}

func (s *Shard) UpdateSlide(p model.SlidePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields := map[string]any{}
	if p.Title != nil {
		fields[fieldTitle] = *p.Title
	}
	if p.Notes != nil {
		fields[fieldNotes] = *p.Notes
	}
	if p.Status != nil {
		cur := toStatus(s.status.value)
		if s.status.set && p.Status.Rank() < cur.Rank() {
			return fmt.Errorf("slide %s %s -> %s: %w", s.slideID, cur, *p.Status, model.ErrStatusDowngrade)
		}
		fields[fieldStatus] = string(*p.Status)
	}
	if len(fields) > 0 {
		s.local(Op{Kind: OpSlideSet, Fields: fields})
	}
	return nil
}

func (s *Shard) AddComponent(c *model.Component, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hasLive(c.ID); ok {
		return fmt.Errorf("component %s already exists: %w", c.ID, model.ErrInvariant)
	}
	if err := model.CheckAddable(c); err != nil {
		return err
	}
	s.local(addOp(c, s.rankAt(index, c.ID)))
	return nil
}

func (s *Shard) UpdateComponent(id string, u model.ComponentUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.hasLive(id)
	if !ok {
		return fmt.Errorf("component %s: %w", id, model.ErrNotFound)
	}
	current := &model.Component{ID: id}
	if isBackground(cs) {
		current.Type = model.ComponentBackground
	}
	if err := u.CheckRetype(current); err != nil {
		return err
	}
	fields := map[string]any{}
	if u.Type != nil {
		fields[fieldType] = *u.Type
	}
	if u.Locked != nil {
		fields[fieldLocked] = *u.Locked
	}
	if u.Visible != nil {
		fields[fieldVisible] = *u.Visible
	}
	s.local(Op{Kind: OpComponentSet, ComponentID: id, Fields: fields, Style: u.Style, Props: u.Props})
	return nil
}

func (s *Shard) RemoveComponent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.hasLive(id)
	if !ok {
		return fmt.Errorf("component %s: %w", id, model.ErrNotFound)
	}
	if isBackground(cs) {
		return fmt.Errorf("cannot remove background: %w", model.ErrInvariant)
	}
	s.local(Op{Kind: OpComponentRemove, ComponentID: id})
	return nil
}

func (s *Shard) MoveComponent(id string, to int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.hasLive(id)
	if !ok {
		return fmt.Errorf("component %s: %w", id, model.ErrNotFound)
	}
	if isBackground(cs) {
		return fmt.Errorf("cannot move background: %w", model.ErrInvariant)
	}
	s.local(Op{Kind: OpComponentMove, ComponentID: id, Rank: s.rankAt(to, id)})
	return nil
}

// Replace writes whatever ops make the shard project to slide exactly.
func (s *Shard) Replace(slide *model.Slide) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.local(Op{Kind: OpSlideSet, Fields: map[string]any{
		fieldTitle:  slide.Title,
		fieldNotes:  slide.Notes,
		fieldStatus: string(slide.Status),
	}})

	keep := make(map[string]struct{}, len(slide.Components))
	for i, c := range slide.Components {
		keep[c.ID] = struct{}{}
		op := addOp(c, float64(i))
		if cs, ok := s.components[c.ID]; ok {
			op.Style = withDeletes(op.Style, cs.style)
			op.Props = withDeletes(op.Props, cs.props)
		}
		s.local(op)
	}
	for id, cs := range s.components {
		if _, ok := keep[id]; !ok && cs.alive() {
			s.local(Op{Kind: OpComponentRemove, ComponentID: id})
		}
	}
}

func addOp(c *model.Component, rank float64) Op {
	return Op{
		Kind:        OpComponentAdd,
		ComponentID: c.ID,
		Fields: map[string]any{
			fieldType:    c.Type,
			fieldLocked:  c.Locked,
			fieldVisible: c.Visible,
		},
		Style: c.Style.Clone(),
		Props: c.Props.Clone(),
		Rank:  rank,
	}
}

// withDeletes adds nil entries for live keys the replacement drops.
func withDeletes(next model.Props, current map[string]*register) model.Props {
	for k, r := range current {
		if r.value == nil {
			continue
		}
		if _, ok := next[k]; !ok {
			if next == nil {
				next = model.Props{}
			}
			next[k] = nil
		}
	}
	return next
}

func toStatus(v any) model.Status {
	switch t := v.(type) {
	case model.Status:
		return t
	case string:
		return model.Status(t)
	default:
		return model.StatusPending
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}
