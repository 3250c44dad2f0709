// Package variant expands a bulk job specification into its concrete work items.
package variant

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"slices"
	"sort"
	"strconv"

	"github.com/makeasinger/bulkgen/internal/model"
)

// ErrInvalidSpec is wrapped by every rejection from Validate.
var ErrInvalidSpec = errors.New("invalid job specification")

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Spec is the input of an expansion.
type Spec struct {
	Templates      []model.PromptTemplate
	Placeholders   []model.ValueList
	Inputs         []model.ValueList
	NegativePrompt bool
}

// Item is one point of the Cartesian product.
type Item struct {
	TemplateIndex int
	Placeholders  map[string]string
	Inputs        map[string]string
	NegativeUsed  bool
}

// Keys returns the distinct placeholder keys referenced by a template, sorted.
func Keys(template string) []string {
	seen := make(map[string]struct{})
	for _, m := range placeholderPattern.FindAllStringSubmatch(template, -1) {
		seen[m[1]] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Render substitutes every {{key}} in template with its assigned value.
// Unknown keys are left in place.
func Render(template string, values map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(m string) string {
		key := placeholderPattern.FindStringSubmatch(m)[1]
		if v, ok := values[key]; ok {
			return v
		}
		return m
	})
}

// TemplateLabel is the display label of the i-th template.
func TemplateLabel(i int, t model.PromptTemplate) string {
	if t.Label == "" {
		return "Template " + strconv.Itoa(i+1)
	}
	return t.Label
}

// Validate checks that the templates agree on one placeholder key set and that
// every key and input slot has a non-empty value list.
func Validate(spec Spec) error {
	if len(spec.Templates) == 0 {
		return fmt.Errorf("%w: at least one template is required", ErrInvalidSpec)
	}

	var keys []string
	labels := make(map[string]struct{}, len(spec.Templates))
	for i, t := range spec.Templates {
		if t.Template == "" {
			return fmt.Errorf("%w: template %d is empty", ErrInvalidSpec, i)
		}
		label := TemplateLabel(i, t)
		if _, dup := labels[label]; dup {
			return fmt.Errorf("%w: template label %q used twice", ErrInvalidSpec, label)
		}
		labels[label] = struct{}{}
		k := Keys(t.Template)
		if i == 0 {
			keys = k
			continue
		}
		if !slices.Equal(keys, k) {
			return fmt.Errorf("%w: template %d uses placeholders %v, template 0 uses %v", ErrInvalidSpec, i, k, keys)
		}
	}

	lists := make(map[string]int, len(spec.Placeholders))
	for _, pl := range spec.Placeholders {
		if _, dup := lists[pl.Key]; dup {
			return fmt.Errorf("%w: placeholder %q defined twice", ErrInvalidSpec, pl.Key)
		}
		lists[pl.Key] = len(pl.Values)
	}
	for _, k := range keys {
		n, ok := lists[k]
		if !ok {
			return fmt.Errorf("%w: placeholder %q has no value list", ErrInvalidSpec, k)
		}
		if n == 0 {
			return fmt.Errorf("%w: placeholder %q has an empty value list", ErrInvalidSpec, k)
		}
		delete(lists, k)
	}
	for _, pl := range spec.Placeholders {
		if _, unused := lists[pl.Key]; unused {
			return fmt.Errorf("%w: placeholder %q is not referenced by any template", ErrInvalidSpec, pl.Key)
		}
	}

	slots := make(map[string]struct{}, len(spec.Inputs))
	for _, in := range spec.Inputs {
		if in.Key == "" {
			return fmt.Errorf("%w: input slot without a key", ErrInvalidSpec)
		}
		if _, dup := slots[in.Key]; dup {
			return fmt.Errorf("%w: input slot %q defined twice", ErrInvalidSpec, in.Key)
		}
		if len(in.Values) == 0 {
			return fmt.Errorf("%w: input slot %q has an empty value list", ErrInvalidSpec, in.Key)
		}
		slots[in.Key] = struct{}{}
	}

	if _, ok := product(spec); !ok {
		return fmt.Errorf("%w: expansion is too large", ErrInvalidSpec)
	}
	return nil
}

// Count returns the number of items Expand would produce, without allocating
// them. It saturates at math.MaxInt.
func Count(spec Spec) int {
	n, _ := product(spec)
	return n
}

// product multiplies the dimension sizes; ok is false once the result no
// longer fits in an int.
func product(spec Spec) (n int, ok bool) {
	dims := make([]int, 0, len(spec.Placeholders)+len(spec.Inputs)+1)
	for _, pl := range spec.Placeholders {
		dims = append(dims, len(pl.Values))
	}
	for _, in := range spec.Inputs {
		dims = append(dims, len(in.Values))
	}
	if spec.NegativePrompt {
		dims = append(dims, 2)
	}

	n = len(spec.Templates)
	for _, d := range dims {
		if d != 0 && n > math.MaxInt/d {
			return math.MaxInt, false
		}
		n *= d
	}
	return n, true
}

// Expand validates spec and returns the full product in a stable order:
// placeholder lists in the given order, then input lists, then templates,
// then negative usage, with the last dimension varying fastest.
func Expand(spec Spec) ([]Item, error) {
	if err := Validate(spec); err != nil {
		return nil, err
	}

	dims := make([]int, 0, len(spec.Placeholders)+len(spec.Inputs)+2)
	for _, pl := range spec.Placeholders {
		dims = append(dims, len(pl.Values))
	}
	for _, in := range spec.Inputs {
		dims = append(dims, len(in.Values))
	}
	dims = append(dims, len(spec.Templates))
	if spec.NegativePrompt {
		dims = append(dims, 2)
	} else {
		dims = append(dims, 1)
	}

	items := make([]Item, 0, Count(spec))
	idx := make([]int, len(dims))
	for {
		items = append(items, build(spec, idx))

		// odometer increment
		d := len(dims) - 1
		for d >= 0 {
			idx[d]++
			if idx[d] < dims[d] {
				break
			}
			idx[d] = 0
			d--
		}
		if d < 0 {
			return items, nil
		}
	}
}

func build(spec Spec, idx []int) Item {
	item := Item{
		Placeholders: make(map[string]string, len(spec.Placeholders)),
		Inputs:       make(map[string]string, len(spec.Inputs)),
	}
	pos := 0
	for _, pl := range spec.Placeholders {
		item.Placeholders[pl.Key] = pl.Values[idx[pos]]
		pos++
	}
	for _, in := range spec.Inputs {
		item.Inputs[in.Key] = in.Values[idx[pos]]
		pos++
	}
	item.TemplateIndex = idx[pos]
	item.NegativeUsed = idx[pos+1] == 1
	return item
}

// Variables lists the comparison axes a job exposes to the matrix view.
func Variables(spec Spec) []string {
	vars := []string{model.VariableTemplate}
	if spec.NegativePrompt {
		vars = append(vars, model.VariableNegative)
	}
	for _, pl := range spec.Placeholders {
		vars = append(vars, model.PlaceholderVariablePrefix+pl.Key)
	}
	for _, in := range spec.Inputs {
		vars = append(vars, model.InputVariablePrefix+in.Key)
	}
	return vars
}
