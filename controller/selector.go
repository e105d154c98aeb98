package controller

import (
	"strings"

	"github.com/gammadia/farmhand/fleet"
	"github.com/samber/lo"
)

type LabelMatch string

const (
	// LabelMatchAll requires the template to carry every demanded label.
	LabelMatchAll LabelMatch = "all"
	// LabelMatchAny requires the template to carry at least one demanded label.
	LabelMatchAny LabelMatch = "any"
)

type TemplateSelector struct {
	Match LabelMatch
}

// SelectCandidates returns the templates able to serve the demand, in configuration order.
func (s TemplateSelector) SelectCandidates(labels []string, templates []*fleet.Template) []*fleet.Template {
	demand := lo.Uniq(lo.Compact(lo.Map(labels, func(label string, _ int) string {
		return strings.TrimSpace(label)
	})))

	return lo.Filter(templates, func(template *fleet.Template, _ int) bool {
		return s.matches(demand, template)
	})
}

func (s TemplateSelector) matches(demand []string, template *fleet.Template) bool {
	if len(demand) == 0 {
		return template.Mode != fleet.Exclusive
	}
	if s.Match == LabelMatchAny {
		return lo.Some(template.Labels, demand)
	}
	return lo.Every(template.Labels, demand)
}
