// Package template owns the template pipeline: blueprint generation and
// validation, preview rendering, external validation aggregation,
// performance scoring, and evolution proposals. Everything here runs as
// generic queue jobs; the orchestrator only sees the results through the
// delivery contract.
package template

import (
	"encoding/json"
	"fmt"
)

// SchemaVersion is the blueprint JSON shape this package validates.
const SchemaVersion = 1

// Section types allowed in blueprint schema v1.
var allowedSections = map[string]bool{
	"hero":            true,
	"trust_bar":       true,
	"amenities_grid":  true,
	"gallery_grid":    true,
	"floorplan_cards": true,
	"location_map":    true,
	"testimonials":    true,
	"faq":             true,
	"feature_split":   true,
	"cta_banner":      true,
	"contact_form":    true,
	"pricing_table":   true,
	"blog_teasers":    true,
}

var allowedNavStyles = map[string]bool{
	"topbar":  true,
	"sidebar": true,
	"minimal": true,
}

var allowedWCAGTargets = map[string]bool{
	"A":   true,
	"AA":  true,
	"AAA": true,
}

// Blueprint is the schema v1 document describing a site template.
type Blueprint struct {
	Meta        Meta            `json:"meta"`
	Tokens      json.RawMessage `json:"tokens,omitempty"`
	Navigation  Navigation      `json:"navigation"`
	Footer      json.RawMessage `json:"footer,omitempty"`
	Pages       []Page          `json:"pages"`
	Forms       Forms           `json:"forms"`
	Constraints Constraints     `json:"constraints"`
}

type Meta struct {
	SchemaVersion int    `json:"schema_version"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
}

type Navigation struct {
	Style string    `json:"style"`
	Items []NavItem `json:"items"`
}

type NavItem struct {
	Label string `json:"label"`
	Slug  string `json:"slug"`
}

type Page struct {
	Slug     string    `json:"slug"`
	Title    string    `json:"title"`
	Sections []Section `json:"sections"`
}

type Section struct {
	Type  string          `json:"type"`
	Props json.RawMessage `json:"props,omitempty"`
}

type Forms struct {
	Lead *LeadForm `json:"lead,omitempty"`
}

type LeadForm struct {
	Enabled bool     `json:"enabled"`
	Fields  []string `json:"fields,omitempty"`
}

type Constraints struct {
	MobileFirst bool   `json:"mobile_first"`
	WCAGTarget  string `json:"wcag_target"`
	SEOBasics   bool   `json:"seo_basics"`
}

// ParseBlueprint decodes and structurally checks a blueprint document.
// Hard-check failures are returned as human-readable strings; a non-empty
// list means the blueprint is invalid.
func ParseBlueprint(raw []byte) (*Blueprint, []string, error) {
	var bp Blueprint
	if err := json.Unmarshal(raw, &bp); err != nil {
		return nil, nil, fmt.Errorf("parse blueprint: %w", err)
	}
	return &bp, Validate(&bp), nil
}

// Validate runs the schema v1 hard checks and returns every failure.
func Validate(bp *Blueprint) []string {
	var failures []string

	if bp.Meta.SchemaVersion != SchemaVersion {
		failures = append(failures, fmt.Sprintf("meta.schema_version must be %d, got %d", SchemaVersion, bp.Meta.SchemaVersion))
	}

	if len(bp.Pages) == 0 {
		failures = append(failures, "at least one page is required")
		return failures
	}

	slugs := make(map[string]bool, len(bp.Pages))
	hasCTA := false
	hasContactForm := false
	for i, page := range bp.Pages {
		if page.Slug == "" {
			failures = append(failures, fmt.Sprintf("pages[%d] has an empty slug", i))
			continue
		}
		if slugs[page.Slug] {
			failures = append(failures, fmt.Sprintf("duplicate page slug %q", page.Slug))
		}
		slugs[page.Slug] = true
		for _, section := range page.Sections {
			if !allowedSections[section.Type] {
				failures = append(failures, fmt.Sprintf("page %q has unknown section type %q", page.Slug, section.Type))
				continue
			}
			switch section.Type {
			case "hero", "cta_banner":
				hasCTA = true
			case "contact_form":
				hasContactForm = true
			}
		}
	}

	// No explicit home slug is a pass: the first page stands in for home.
	if !hasCTA {
		failures = append(failures, "at least one CTA section (hero or cta_banner) is required")
	}

	leadEnabled := bp.Forms.Lead != nil && bp.Forms.Lead.Enabled
	if !hasContactForm && !leadEnabled {
		failures = append(failures, "a contact_form section or an enabled lead form is required")
	}

	if bp.Navigation.Style != "" && !allowedNavStyles[bp.Navigation.Style] {
		failures = append(failures, fmt.Sprintf("navigation.style %q is not one of topbar, sidebar, minimal", bp.Navigation.Style))
	}
	for _, item := range bp.Navigation.Items {
		if !slugs[item.Slug] {
			failures = append(failures, fmt.Sprintf("navigation item %q links to unknown slug %q", item.Label, item.Slug))
		}
	}

	if !allowedWCAGTargets[bp.Constraints.WCAGTarget] {
		failures = append(failures, fmt.Sprintf("constraints.wcag_target %q is not one of A, AA, AAA", bp.Constraints.WCAGTarget))
	}

	return failures
}

// HomePage returns the blueprint's home page: the page with slug "home",
// or the first page when none is marked.
func HomePage(bp *Blueprint) *Page {
	for i := range bp.Pages {
		if bp.Pages[i].Slug == "home" {
			return &bp.Pages[i]
		}
	}
	if len(bp.Pages) > 0 {
		return &bp.Pages[0]
	}
	return nil
}
