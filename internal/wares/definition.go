package wares

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/talgya/mini-market/internal/config"
)

// Definition is the serialized form of a ware. Type is the variant
// discriminator and is read before anything else.
type Definition struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	Alias      string         `json:"alias,omitempty"`
	Price      float64        `json:"price,omitempty"`
	Quantity   *int           `json:"quantity,omitempty"`
	Level      int            `json:"level,omitempty"`
	Yield      int            `json:"yield,omitempty"`
	Components []ComponentRef `json:"components,omitempty"`
	LinkRule   string         `json:"link_rule,omitempty"`
}

// ComponentRef names a component and how many units one recipe needs.
type ComponentRef struct {
	ID    string `json:"id"`
	Count int    `json:"count,omitempty"`
}

var ErrInvalidDefinition = errors.New("invalid ware definition")

const definitionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type", "id"],
  "properties": {
    "type": {"enum": ["material", "processed", "crafted", "untradeable", "linked"]},
    "id": {"type": "string", "minLength": 1, "pattern": "^[A-Za-z0-9_:.-]+$"},
    "alias": {"type": "string"},
    "price": {"type": "number", "minimum": 0},
    "quantity": {"type": "integer", "minimum": 0},
    "level": {"type": "integer"},
    "yield": {"type": "integer", "minimum": 1},
    "components": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "count": {"type": "integer", "minimum": 1}
        }
      }
    },
    "link_rule": {"type": "string"}
  }
}`

var schema = jsonschema.MustCompileString("ware.schema.json", definitionSchema)

// variant is the per-kind dispatch entry: how a definition is checked and
// turned into a ware.
type variant struct {
	validate func(d *Definition) error
	build    func(d *Definition, w *Ware)
}

var variants = map[Kind]variant{
	KindMaterial: {
		validate: func(d *Definition) error {
			if len(d.Components) > 0 {
				return errors.New("material wares cannot have components")
			}
			return nil
		},
		build: func(d *Definition, w *Ware) { w.PriceBase = d.Price },
	},
	KindProcessed: {validate: requireComponents, build: composite},
	KindCrafted:   {validate: requireComponents, build: composite},
	KindUntradeable: {
		validate: func(d *Definition) error { return nil },
		build: func(d *Definition, w *Ware) {
			w.Level = 0
			if w.HasRecipe() {
				w.PriceBase = math.NaN()
				return
			}
			w.PriceBase = d.Price
		},
	},
	KindLinked: {
		validate: func(d *Definition) error {
			if d.LinkRule == "" {
				return errors.New("linked wares need a link_rule")
			}
			return nil
		},
		build: func(d *Definition, w *Ware) { w.PriceBase = d.Price },
	},
}

func requireComponents(d *Definition) error {
	if len(d.Components) == 0 {
		return fmt.Errorf("%s wares need components", d.Type)
	}
	return nil
}

func composite(d *Definition, w *Ware) {
	w.PriceBase = math.NaN()
}

// DecodeDefinitions reads a JSON array of ware definitions. Each element is
// validated against the definition schema on its own; invalid elements are
// reported and skipped so one bad entry does not block the rest.
func DecodeDefinitions(r io.Reader) ([]Definition, []error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, []error{err}
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, []error{fmt.Errorf("%w: %v", ErrInvalidDefinition, err)}
	}

	var defs []Definition
	var problems []error
	for i, elem := range elems {
		var doc any
		if err := json.Unmarshal(elem, &doc); err != nil {
			problems = append(problems, fmt.Errorf("%w: entry %d: %v", ErrInvalidDefinition, i, err))
			continue
		}
		if err := schema.Validate(doc); err != nil {
			problems = append(problems, fmt.Errorf("%w: entry %d: %v", ErrInvalidDefinition, i, err))
			continue
		}
		var d Definition
		if err := json.Unmarshal(elem, &d); err != nil {
			problems = append(problems, fmt.Errorf("%w: entry %d: %v", ErrInvalidDefinition, i, err))
			continue
		}
		defs = append(defs, d)
	}
	return defs, problems
}

// Build turns a definition into a ware. Composite wares come back unresolved
// (PriceBase NaN); the manufacturing resolver fills them in.
func Build(d Definition, cfg *config.Config) (*Ware, error) {
	kind, ok := ParseKind(d.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q: unknown type %q", ErrInvalidDefinition, d.ID, d.Type)
	}
	if d.ID == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidDefinition)
	}
	v := variants[kind]
	if err := v.validate(&d); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidDefinition, d.ID, err)
	}

	w := &Ware{
		ID:        d.ID,
		Alias:     d.Alias,
		Kind:      kind,
		BasePrice: d.Price,
		Level:     config.ClampLevel(d.Level),
		Yield:     d.Yield,
		LinkRule:  d.LinkRule,
	}
	if w.Yield < 1 {
		w.Yield = 1
	}
	for _, c := range d.Components {
		n := c.Count
		if n < 1 {
			n = 1
		}
		for i := 0; i < n; i++ {
			w.Components = append(w.Components, c.ID)
		}
	}
	v.build(&d, w)

	if d.Quantity != nil {
		w.Quantity = *d.Quantity
	} else {
		w.Quantity = cfg.StartingQuantity[w.Level]
	}
	if w.Quantity < 0 {
		w.Quantity = 0
	}
	return w, nil
}

// Definition converts a ware back to its serialized form.
func (w *Ware) Definition() Definition {
	q := w.Quantity
	d := Definition{
		Type:     w.Kind.String(),
		ID:       w.ID,
		Alias:    w.Alias,
		Price:    w.BasePrice,
		Quantity: &q,
		Level:    w.Level,
		LinkRule: w.LinkRule,
	}
	if w.HasRecipe() {
		d.Yield = w.Yield
		counts, order := w.ComponentCounts()
		for _, id := range order {
			d.Components = append(d.Components, ComponentRef{ID: id, Count: counts[id]})
		}
	}
	return d
}
