package provider

import (
	"sort"
	"strings"

	"github.com/stellarlinkco/lorekeeper/internal/config"
)

// Price is in cents per million tokens.
type Price struct {
	Input  float64
	Output float64
}

var defaultPrices = map[string]Price{
	"claude-opus-4":          {Input: 1500, Output: 7500},
	"claude-sonnet-4":        {Input: 300, Output: 1500},
	"claude-haiku-4":         {Input: 100, Output: 500},
	"claude-3-5-haiku":       {Input: 80, Output: 400},
	"gpt-4o-mini":            {Input: 15, Output: 60},
	"gpt-4o":                 {Input: 250, Output: 1000},
	"gpt-4.1-mini":           {Input: 40, Output: 160},
	"gpt-4.1":                {Input: 200, Output: 800},
	"text-embedding-3-small": {Input: 2},
	"text-embedding-3-large": {Input: 13},
}

// unknown models are billed like a mid-tier model so budgets still bite
var fallbackPrice = Price{Input: 300, Output: 1500}

// PriceTable resolves a model name to its price by longest matching prefix.
type PriceTable struct {
	prefixes []string
	prices   map[string]Price
}

func NewPriceTable(overrides map[string]config.PriceConfig) *PriceTable {
	prices := make(map[string]Price, len(defaultPrices)+len(overrides))
	for k, v := range defaultPrices {
		prices[k] = v
	}
	for k, v := range overrides {
		prices[strings.ToLower(strings.TrimSpace(k))] = Price{Input: v.Input, Output: v.Output}
	}

	prefixes := make([]string, 0, len(prices))
	for k := range prices {
		prefixes = append(prefixes, k)
	}
	sort.Slice(prefixes, func(i, j int) bool {
		if len(prefixes[i]) != len(prefixes[j]) {
			return len(prefixes[i]) > len(prefixes[j])
		}
		return prefixes[i] < prefixes[j]
	})
	return &PriceTable{prefixes: prefixes, prices: prices}
}

func (t *PriceTable) Lookup(model string) Price {
	name := strings.ToLower(strings.TrimSpace(model))
	for _, prefix := range t.prefixes {
		if strings.HasPrefix(name, prefix) {
			return t.prices[prefix]
		}
	}
	return fallbackPrice
}

// Cost returns the cost in cents of one call.
func (t *PriceTable) Cost(model string, inputTokens, outputTokens int) float64 {
	p := t.Lookup(model)
	return (float64(inputTokens)*p.Input + float64(outputTokens)*p.Output) / 1_000_000
}
