// Package pricing holds the credit price list: what each generation action
// costs and which credit packs can be bought.
package pricing

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/digkill/adcraft/internal/models"
)

//go:embed default.yaml
var defaultCatalog []byte

var (
	ErrUnknownAction = errors.New("pricing: unknown action")
	ErrUnknownPack   = errors.New("pricing: unknown pack")
)

type Pack struct {
	Name     string      `yaml:"-"`
	Credits  int         `yaml:"credits"`
	Price    int         `yaml:"price"`
	Currency string      `yaml:"currency"`
	Plan     models.Plan `yaml:"plan"`
}

type Catalog struct {
	Actions map[string]int           `yaml:"actions"`
	Assets  map[models.AssetType]int `yaml:"assets"`
	Packs   map[string]Pack          `yaml:"packs"`
}

// Load reads the catalog from path, or the embedded default when path is empty.
func Load(path string) (*Catalog, error) {
	raw := defaultCatalog
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("pricing: read %s: %w", path, err)
		}
		raw = data
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("pricing: parse: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	for name, p := range c.Packs {
		p.Name = name
		c.Packs[name] = p
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	if len(c.Actions) == 0 {
		return errors.New("pricing: no actions defined")
	}
	for name, cost := range c.Actions {
		if cost <= 0 {
			return fmt.Errorf("pricing: action %q must cost at least 1 credit", name)
		}
	}
	for kind, cost := range c.Assets {
		if cost <= 0 {
			return fmt.Errorf("pricing: asset %q must cost at least 1 credit", kind)
		}
	}
	for name, p := range c.Packs {
		if p.Credits <= 0 {
			return fmt.Errorf("pricing: pack %q has no credits", name)
		}
		if p.Plan != "" && !p.Plan.Valid() {
			return fmt.Errorf("pricing: pack %q has unknown plan %q", name, p.Plan)
		}
	}
	return nil
}

// Cost returns the credit price of an action.
func (c *Catalog) Cost(action string) (int, error) {
	cost, ok := c.Actions[action]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
	return cost, nil
}

// AssetCost prices one campaign asset, falling back to the action of the same name.
func (c *Catalog) AssetCost(kind models.AssetType) (int, error) {
	if cost, ok := c.Assets[kind]; ok {
		return cost, nil
	}
	return c.Cost(string(kind))
}

func (c *Catalog) Pack(name string) (Pack, error) {
	p, ok := c.Packs[name]
	if !ok {
		return Pack{}, fmt.Errorf("%w: %s", ErrUnknownPack, name)
	}
	return p, nil
}

// PackList returns packs ordered by credits.
func (c *Catalog) PackList() []Pack {
	out := make([]Pack, 0, len(c.Packs))
	for _, p := range c.Packs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Credits < out[j].Credits })
	return out
}
