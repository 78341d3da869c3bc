package dam

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/emirpasic/gods/v2/sets/linkedhashset"
)

var ErrClass = errors.New("class")

// EntityRelation links two entities of a Topology.
type EntityRelation struct {
	Entity1 string `json:"entity1"`
	Entity2 string `json:"entity2"`
}

// AttributeRelation links an entity to one of its attributes.
type AttributeRelation struct {
	Entity    string `json:"entity"`
	Attribute string `json:"attribute"`
}

// Topology is one structured description of a class.
type Topology struct {
	Entities           []string            `json:"Entities"`
	Attributes         []string            `json:"Attributes"`
	EntityRelations    []EntityRelation    `json:"Entity-to-Entity Relationships"`
	AttributeRelations []AttributeRelation `json:"Entity-to-Attribute Relationships"`
}

// Topologies maps a class name to its structured descriptions.
type Topologies map[string][]Topology

// Descriptions maps a class name to free text descriptions.
type Descriptions map[string][]string

func lower(s []string) []string {
	out := make([]string, len(s))
	for i, v := range s {
		out[i] = strings.ToLower(v)
	}
	return out
}

// Relations returns the entity-entity and entity-attribute pairs whose names
// are all listed in t. Names are compared case-insensitively.
func (t Topology) Relations() (e2e, e2a [][2]string) {
	e2e, e2a, _, _ = t.split()
	return e2e, e2a
}

// Unlisted returns the pairs Relations leaves out.
func (t Topology) Unlisted() (e2e, e2a [][2]string) {
	_, _, e2e, e2a = t.split()
	return e2e, e2a
}

func (t Topology) split() (e2e, e2a, e2eUnlisted, e2aUnlisted [][2]string) {
	entities := linkedhashset.New(lower(t.Entities)...)
	attributes := linkedhashset.New(lower(t.Attributes)...)

	for _, r := range t.EntityRelations {
		pair := [2]string{r.Entity1, r.Entity2}
		if entities.Contains(strings.ToLower(r.Entity1), strings.ToLower(r.Entity2)) {
			e2e = append(e2e, pair)
		} else {
			e2eUnlisted = append(e2eUnlisted, pair)
		}
	}

	for _, r := range t.AttributeRelations {
		pair := [2]string{r.Entity, r.Attribute}
		if entities.Contains(strings.ToLower(r.Entity)) && attributes.Contains(strings.ToLower(r.Attribute)) {
			e2a = append(e2a, pair)
		} else {
			e2aUnlisted = append(e2aUnlisted, pair)
		}
	}

	return e2e, e2a, e2eUnlisted, e2aUnlisted
}

// Render returns the text a prompted sequence is built from: prefix
// placeholder words, the class name, then the lower-cased entities and
// attributes.
func Render(prefix int, class string, t Topology) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(strings.Repeat("X ", prefix)))
	sb.WriteString(" ")
	sb.WriteString(ClassName(class))
	sb.WriteString(". ")
	sb.WriteString(strings.Join(lower(t.Entities), ", "))
	sb.WriteString(". ")
	sb.WriteString(strings.Join(lower(t.Attributes), ", "))
	sb.WriteString(".")
	return sb.String()
}

// ClassName replaces underscores in a dataset class name with spaces.
func ClassName(s string) string {
	return strings.ReplaceAll(s, "_", " ")
}

// DatasetFile returns the file name descriptions of dataset are stored
// under. Every ImageNet variant shares the ImageNet descriptions.
func DatasetFile(dataset string) string {
	if strings.Contains(dataset, "ImageNet") {
		dataset = "ImageNet"
	}
	return dataset + ".json"
}

// Paths returns the description and structure files for dataset under dir.
func Paths(dir, dataset string) (descriptions, structures string) {
	name := DatasetFile(dataset)
	return filepath.Join(dir, "description", name), filepath.Join(dir, "structure", name)
}

func decode(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Load reads the description and structure files of dataset under dir and
// keys both by normalised class name.
func Load(dir, dataset string) (Descriptions, Topologies, error) {
	dpath, tpath := Paths(dir, dataset)

	var raw map[string][]string
	if err := decode(dpath, &raw); err != nil {
		return nil, nil, fmt.Errorf("descriptions: %w", err)
	}

	var rawTopologies map[string][]Topology
	if err := decode(tpath, &rawTopologies); err != nil {
		return nil, nil, fmt.Errorf("structures: %w", err)
	}

	descriptions := make(Descriptions, len(raw))
	for k, v := range raw {
		descriptions[ClassName(k)] = v
	}

	topologies := make(Topologies, len(rawTopologies))
	for k, v := range rawTopologies {
		topologies[ClassName(k)] = v
	}

	return descriptions, topologies, nil
}

// Check verifies every class has at least n descriptions and n structures.
func Check(classes []string, descriptions Descriptions, topologies Topologies, n int) error {
	var errs []error
	for _, c := range classes {
		name := ClassName(c)
		if d := len(descriptions[name]); d < n {
			errs = append(errs, fmt.Errorf("%w %q: %d descriptions, need %d", ErrClass, name, d, n))
		}
		if t := len(topologies[name]); t < n {
			errs = append(errs, fmt.Errorf("%w %q: %d structures, need %d", ErrClass, name, t, n))
		}
	}
	return errors.Join(errs...)
}
