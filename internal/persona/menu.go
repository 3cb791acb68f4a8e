// Package persona declares the PersonaPipe conversation domains and the
// collaborators they price against: the coffee menu and the store-backed
// product catalogs.
package persona

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrUnknownMenuItem is returned when a drink, size or milk is not on the menu.
var ErrUnknownMenuItem = errors.New("not on the menu")

// Menu holds coffee prices. Drinks carry the price of a small; sizes and
// milks are surcharges.
type Menu struct {
	Drinks     map[string]float64 `yaml:"drinks" validate:"required,dive,gte=0"`
	Sizes      map[string]float64 `yaml:"sizes" validate:"required,dive,gte=0"`
	Milks      map[string]float64 `yaml:"milks" validate:"required,dive,gte=0"`
	ExtraPrice float64            `yaml:"extra_price" validate:"gte=0"`
}

// DefaultMenu returns the built-in menu.
func DefaultMenu() *Menu {
	return &Menu{
		Drinks: map[string]float64{
			"americano":  3.00,
			"cappuccino": 4.00,
			"cold brew":  4.25,
			"espresso":   2.50,
			"latte":      4.00,
			"mocha":      4.50,
		},
		Sizes: map[string]float64{
			"small":  0,
			"medium": 0.50,
			"large":  1.00,
		},
		Milks: map[string]float64{
			"whole":   0,
			"2%":      0,
			"no milk": 0,
			"oat":     0.60,
			"soy":     0.50,
			"almond":  0.60,
		},
		ExtraPrice: 0.50,
	}
}

// LoadMenu reads a menu from a YAML file.
func LoadMenu(path string) (*Menu, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read menu %s: %w", path, err)
	}
	var m Menu
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse menu %s: %w", path, err)
	}
	if err := validator.New().Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid menu %s: %w", path, err)
	}
	return &m, nil
}

// Price returns the price of one drink.
func (m *Menu) Price(drinkType, size, milk string, extras int) (float64, error) {
	base, ok := lookupPrice(m.Drinks, drinkType)
	if !ok {
		return 0, fmt.Errorf("%w: drink %q", ErrUnknownMenuItem, drinkType)
	}
	sizeCost, ok := lookupPrice(m.Sizes, size)
	if !ok {
		return 0, fmt.Errorf("%w: size %q", ErrUnknownMenuItem, size)
	}
	milkCost, ok := lookupPrice(m.Milks, milk)
	if !ok {
		return 0, fmt.Errorf("%w: milk %q", ErrUnknownMenuItem, milk)
	}
	return roundCents(base + sizeCost + milkCost + float64(extras)*m.ExtraPrice), nil
}

// DrinkNames lists the drinks, sorted.
func (m *Menu) DrinkNames() []string { return sortedKeys(m.Drinks) }

// MilkNames lists the milk options, sorted.
func (m *Menu) MilkNames() []string { return sortedKeys(m.Milks) }

// SizeNames lists the sizes from cheapest to most expensive.
func (m *Menu) SizeNames() []string {
	names := sortedKeys(m.Sizes)
	sort.SliceStable(names, func(i, j int) bool { return m.Sizes[names[i]] < m.Sizes[names[j]] })
	return names
}

func lookupPrice(prices map[string]float64, name string) (float64, bool) {
	for k, v := range prices {
		if strings.EqualFold(k, strings.TrimSpace(name)) {
			return v, true
		}
	}
	return 0, false
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
