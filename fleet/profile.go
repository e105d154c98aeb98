package fleet

import (
	"github.com/samber/lo"
)

// CloudProfile is one provider account and region with its templates, in configuration order.
type CloudProfile struct {
	Name        string      `json:"name"`
	Region      string      `json:"region"`
	Endpoint    string      `json:"endpoint,omitempty"`
	Credentials string      `json:"credentials,omitempty"`
	InstanceCap int         `json:"instance-cap"`
	Templates   []*Template `json:"templates"`
}

func (p *CloudProfile) Template(id string) *Template {
	template, _ := lo.Find(p.Templates, func(t *Template) bool { return t.ID == id })
	return template
}
