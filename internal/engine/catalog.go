package engine

import (
	"sort"

	"github.com/loqalabs/loqa-tts/internal/config"
)

type Style struct {
	ID   StyleID
	Name string
}

type ModelSpec struct {
	ID      ModelID
	Name    string
	Speaker string
	Styles  []Style
}

// Catalog lists the models the daemon may load and maps every style id to
// the model that speaks it.
type Catalog struct {
	models  []ModelSpec
	byID    map[ModelID]int
	byStyle map[StyleID]ModelID
}

func NewCatalog(models []config.ModelConfig) *Catalog {
	c := &Catalog{
		byID:    make(map[ModelID]int, len(models)),
		byStyle: make(map[StyleID]ModelID),
	}
	for _, m := range models {
		spec := ModelSpec{ID: ModelID(m.ID), Name: m.Name, Speaker: m.Speaker}
		for _, s := range m.Styles {
			spec.Styles = append(spec.Styles, Style{ID: StyleID(s.ID), Name: s.Name})
			c.byStyle[StyleID(s.ID)] = spec.ID
		}
		c.byID[spec.ID] = len(c.models)
		c.models = append(c.models, spec)
	}
	sort.SliceStable(c.models, func(i, j int) bool { return c.models[i].ID < c.models[j].ID })
	for i, m := range c.models {
		c.byID[m.ID] = i
	}
	return c
}

// ModelFor returns the model that provides style.
func (c *Catalog) ModelFor(style StyleID) (ModelSpec, bool) {
	id, ok := c.byStyle[style]
	if !ok {
		return ModelSpec{}, false
	}
	return c.Model(id)
}

func (c *Catalog) Model(id ModelID) (ModelSpec, bool) {
	i, ok := c.byID[id]
	if !ok {
		return ModelSpec{}, false
	}
	return c.models[i], true
}

// Models returns every configured model ordered by id.
func (c *Catalog) Models() []ModelSpec {
	out := make([]ModelSpec, len(c.models))
	copy(out, c.models)
	return out
}

type Speaker struct {
	Name    string
	ModelID ModelID
	Styles  []Style
}

// Speakers lists one entry per model, ordered by speaker name then model.
func (c *Catalog) Speakers() []Speaker {
	out := make([]Speaker, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, Speaker{Name: m.Speaker, ModelID: m.ID, Styles: m.Styles})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ModelID < out[j].ModelID
	})
	return out
}
