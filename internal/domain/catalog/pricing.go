package catalog

import "encoding/json"

// ModelPrice is the USD price per 1000 input and output tokens.
type ModelPrice struct {
	InputPerKTok  float64 `json:"input_per_1k"`
	OutputPerKTok float64 `json:"output_per_1k"`
}

// Pricing maps model ids to prices. A "*" entry serves as the fallback for
// models without an exact price; a catalog with neither fails evaluation
// closed at the budget gate.
type Pricing struct {
	Models map[string]ModelPrice `json:"models"`
}

// Price returns the price for model, falling back to the wildcard entry.
func (p Pricing) Price(model string) (ModelPrice, bool) {
	if mp, ok := p.Models[model]; ok {
		return mp, true
	}
	mp, ok := p.Models[WildcardModelID]
	return mp, ok
}

// LoadPricing verifies and validates a pricing catalog document.
func LoadPricing(raw []byte, trust Trust) (*Signed[Pricing], error) {
	desc, err := verifyEnvelope(NamePricing, raw, trust)
	if err != nil {
		return nil, err
	}
	var pricing Pricing
	if err := json.Unmarshal(raw, &pricing); err != nil {
		return nil, configErrf(NamePricing, "decode prices: %v", err)
	}
	if len(pricing.Models) == 0 {
		return nil, configErrf(NamePricing, "catalog defines no model prices")
	}
	for model, price := range pricing.Models {
		if price.InputPerKTok < 0 || price.OutputPerKTok < 0 {
			return nil, configErrf(NamePricing, "model %s: negative price", model)
		}
	}
	return &Signed[Pricing]{Rules: pricing, Descriptor: desc}, nil
}

// LoadPricingFile loads a pricing catalog from disk.
func LoadPricingFile(path string, trust Trust) (*Signed[Pricing], error) {
	raw, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadPricing(raw, trust)
}
