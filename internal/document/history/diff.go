package history

import (
	"slidesync/internal/document/model"
)

// Compare lists what changed from a to b. Slides and components are matched
// by id.
func Compare(a, b *model.Document) model.Diff {
	var diff model.Diff
	before := indexSlides(a)
	after := indexSlides(b)

	for _, s := range b.Slides {
		if _, ok := before[s.ID]; !ok {
			diff.SlidesAdded = append(diff.SlidesAdded, s.ID)
		}
	}
	for _, s := range a.Slides {
		if _, ok := after[s.ID]; !ok {
			diff.SlidesRemoved = append(diff.SlidesRemoved, s.ID)
		}
	}

	var commonA, commonB []string
	for _, s := range a.Slides {
		if _, ok := after[s.ID]; ok {
			commonA = append(commonA, s.ID)
		}
	}
	for _, s := range b.Slides {
		if old, ok := before[s.ID]; ok {
			commonB = append(commonB, s.ID)
			if compareSlide(old, s, &diff) {
				diff.SlidesModified = append(diff.SlidesModified, s.ID)
			}
		}
	}
	diff.SlidesReordered = !equalOrder(commonA, commonB)

	for _, s := range b.Slides {
		if _, ok := before[s.ID]; ok {
			continue
		}
		for _, c := range s.Components {
			diff.ComponentsAdded = append(diff.ComponentsAdded, model.ComponentRef{SlideID: s.ID, ComponentID: c.ID})
		}
	}
	for _, s := range a.Slides {
		if _, ok := after[s.ID]; ok {
			continue
		}
		for _, c := range s.Components {
			diff.ComponentsRemoved = append(diff.ComponentsRemoved, model.ComponentRef{SlideID: s.ID, ComponentID: c.ID})
		}
	}
	return diff
}

// compareSlide records component changes of one slide present in both
// documents and reports whether the slide differs at all.
func compareSlide(a, b *model.Slide, diff *model.Diff) bool {
	changed := a.Title != b.Title || a.Notes != b.Notes || a.Status != b.Status

	var orderA, orderB []string
	for _, c := range b.Components {
		old := a.Component(c.ID)
		if old == nil {
			diff.ComponentsAdded = append(diff.ComponentsAdded, model.ComponentRef{SlideID: b.ID, ComponentID: c.ID})
			changed = true
			continue
		}
		orderB = append(orderB, c.ID)
		if ComponentHash(old) != ComponentHash(c) {
			diff.ComponentsModified = append(diff.ComponentsModified, model.ComponentRef{SlideID: b.ID, ComponentID: c.ID})
			changed = true
		}
	}
	for _, c := range a.Components {
		if b.Component(c.ID) == nil {
			diff.ComponentsRemoved = append(diff.ComponentsRemoved, model.ComponentRef{SlideID: a.ID, ComponentID: c.ID})
			changed = true
			continue
		}
		orderA = append(orderA, c.ID)
	}
	if !equalOrder(orderA, orderB) {
		changed = true
	}
	return changed
}

func indexSlides(doc *model.Document) map[string]*model.Slide {
	out := make(map[string]*model.Slide, len(doc.Slides))
	for _, s := range doc.Slides {
		out[s.ID] = s
	}
	return out
}

func equalOrder(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
