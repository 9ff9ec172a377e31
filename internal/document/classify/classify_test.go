package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"slidesync/internal/document/model"
)

func component() *model.Component {
	return &model.Component{
		ID:      "c1",
		Type:    "text",
		Visible: true,
		Props: model.Props{
			"position": map[string]any{"x": 0, "y": 0},
			"color":    "#fff",
		},
	}
}

func TestLayoutKeysAreExactlyPositionSizeRotation(t *testing.T) {
	keys := make([]string, 0, len(LayoutKeys))
	for k := range LayoutKeys {
		keys = append(keys, k)
	}
	assert.ElementsMatch(t, []string{"position", "size", "rotation"}, keys)
}

func TestClassify(t *testing.T) {
	str := func(s string) *string { return &s }
	boolean := func(b bool) *bool { return &b }

	tests := []struct {
		name   string
		update model.ComponentUpdate
		want   Kind
	}{
		{
			name:   "move only",
			update: model.ComponentUpdate{Props: model.Props{"position": map[string]any{"x": 10, "y": 0}}},
			want:   LayoutOnly,
		},
		{
			name:   "recolor",
			update: model.ComponentUpdate{Props: model.Props{"color": "#000"}},
			want:   Substantive,
		},
		{
			name: "move and recolor",
			update: model.ComponentUpdate{Props: model.Props{
				"position": map[string]any{"x": 10, "y": 0},
				"color":    "#000",
			}},
			want: Substantive,
		},
		{
			name:   "resize and rotate",
			update: model.ComponentUpdate{Props: model.Props{"size": map[string]any{"w": 5}, "rotation": 90}},
			want:   LayoutOnly,
		},
		{
			name:   "same color is no change",
			update: model.ComponentUpdate{Props: model.Props{"color": "#fff"}},
			want:   LayoutOnly,
		},
		{
			name:   "float position equals int position",
			update: model.ComponentUpdate{Props: model.Props{"position": map[string]any{"x": 0.0, "y": 0.0}, "color": "#fff"}},
			want:   LayoutOnly,
		},
		{
			name:   "delete styling key",
			update: model.ComponentUpdate{Props: model.Props{"color": nil}},
			want:   Substantive,
		},
		{
			name:   "delete missing key",
			update: model.ComponentUpdate{Props: model.Props{"shadow": nil}},
			want:   LayoutOnly,
		},
		{
			name:   "type change",
			update: model.ComponentUpdate{Type: str("image")},
			want:   Substantive,
		},
		{
			name:   "lock toggle",
			update: model.ComponentUpdate{Locked: boolean(true)},
			want:   Substantive,
		},
		{
			name:   "visibility unchanged",
			update: model.ComponentUpdate{Visible: boolean(true)},
			want:   LayoutOnly,
		},
		{
			name:   "style change",
			update: model.ComponentUpdate{Style: model.Props{"fontWeight": "bold"}},
			want:   Substantive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(component(), tt.update))
		})
	}
}

func TestClassifyIsPure(t *testing.T) {
	prev := component()
	update := model.ComponentUpdate{Props: model.Props{"position": map[string]any{"x": 3}}}

	first := Classify(prev, update)
	second := Classify(prev, update)

	assert.Equal(t, first, second)
	assert.Equal(t, map[string]any{"x": 0, "y": 0}, prev.Props["position"])
}

func TestClassifyNilPrevious(t *testing.T) {
	assert.Equal(t, Substantive, Classify(nil, model.ComponentUpdate{}))
}

func TestMerge(t *testing.T) {
	assert.Equal(t, LayoutOnly, Merge())
	assert.Equal(t, LayoutOnly, Merge(LayoutOnly, LayoutOnly))
	assert.Equal(t, Substantive, Merge(LayoutOnly, Substantive))
}
