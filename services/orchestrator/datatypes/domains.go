// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// Domain is an assistant specialisation.
type Domain string

const (
	DomainLaw      Domain = "law"
	DomainFinance  Domain = "finance"
	DomainMedicine Domain = "medicine"
)

// Domains lists every supported domain in display order.
var Domains = []Domain{DomainLaw, DomainFinance, DomainMedicine}

// Valid reports whether d is a supported domain.
func (d Domain) Valid() bool {
	switch d {
	case DomainLaw, DomainFinance, DomainMedicine:
		return true
	}
	return false
}

// SubFeature is a focused mode within a domain.
type SubFeature struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DomainInfo describes a domain for GET /api/domains.
type DomainInfo struct {
	ID            Domain       `json:"id"`
	Assistant     string       `json:"assistant"`
	SubFeatures   []SubFeature `json:"subFeatures"`
	PracticeAreas []string     `json:"practiceAreas"`
}

// DomainCatalog is the static domain catalogue.
var DomainCatalog = []DomainInfo{
	{
		ID:        DomainLaw,
		Assistant: "Lexie",
		SubFeatures: []SubFeature{
			{ID: "contracts", Name: "Contract Review"},
			{ID: "compliance", Name: "Regulatory Compliance"},
			{ID: "litigation", Name: "Litigation Strategy"},
		},
		PracticeAreas: []string{"Corporate Law", "Criminal Defense", "Family Law", "Intellectual Property", "Other"},
	},
	{
		ID:        DomainFinance,
		Assistant: "Patrick",
		SubFeatures: []SubFeature{
			{ID: "portfolio", Name: "Portfolio Analysis"},
			{ID: "market", Name: "Market Intelligence"},
			{ID: "planning", Name: "Financial Planning"},
		},
		PracticeAreas: []string{"Retail Banking", "Investment Banking", "Wealth Management", "Risk Analysis", "Other"},
	},
	{
		ID:        DomainMedicine,
		Assistant: "Renae",
		SubFeatures: []SubFeature{
			{ID: "diagnosis", Name: "Symptom Analysis"},
			{ID: "treatment", Name: "Treatment Planning"},
			{ID: "research", Name: "Medical Research"},
		},
		PracticeAreas: []string{"General Practice", "Surgery", "Pediatrics", "Cardiology", "Other"},
	},
}
