package styles

import (
	"strings"

	"github.com/aymerick/douceur/css"
)

// prefixedProperties lists properties whose standard form is not yet enough
// for the browsers the site targets, with the vendor prefixes to add.
var prefixedProperties = map[string][]string{
	"user-select":          {"-webkit-", "-moz-", "-ms-"},
	"appearance":           {"-webkit-", "-moz-"},
	"backdrop-filter":      {"-webkit-"},
	"text-size-adjust":     {"-webkit-", "-moz-", "-ms-"},
	"hyphens":              {"-webkit-", "-ms-"},
	"mask-image":           {"-webkit-"},
	"clip-path":            {"-webkit-"},
	"box-decoration-break": {"-webkit-"},
	"tab-size":             {"-moz-"},
}

// prefixedValues maps property/value pairs to fallback values.
var prefixedValues = map[string]map[string][]string{
	"position": {"sticky": {"-webkit-sticky"}},
}

// legacyIEValues are only emitted when IE 10/11 support is requested.
var legacyIEValues = map[string]map[string][]string{
	"display": {
		"flex":        {"-ms-flexbox"},
		"inline-flex": {"-ms-inline-flexbox"},
		"grid":        {"-ms-grid"},
		"inline-grid": {"-ms-inline-grid"},
	},
}

// prefixesFor returns, for every declaration of one block, the prefixed
// copies that belong in front of it. Prefixed forms the block already has
// are not repeated.
func prefixesFor(decls []*css.Declaration, legacyIE bool) [][]*css.Declaration {
	present := make(map[string]bool, len(decls))
	for _, d := range decls {
		present[declKey(d.Property, d.Value)] = true
		present[strings.ToLower(d.Property)] = true
	}

	out := make([][]*css.Declaration, len(decls))
	for i, d := range decls {
		prop := strings.ToLower(d.Property)
		value := strings.ToLower(strings.TrimSpace(d.Value))

		for _, prefix := range prefixedProperties[prop] {
			if present[prefix+prop] {
				continue
			}
			out[i] = append(out[i], &css.Declaration{Property: prefix + prop, Value: d.Value, Important: d.Important})
		}

		fallbacks := prefixedValues[prop][value]
		if legacyIE {
			fallbacks = append(fallbacks[:len(fallbacks):len(fallbacks)], legacyIEValues[prop][value]...)
		}
		for _, v := range fallbacks {
			if present[declKey(prop, v)] {
				continue
			}
			out[i] = append(out[i], &css.Declaration{Property: d.Property, Value: v, Important: d.Important})
		}
	}
	return out
}

func declKey(prop, value string) string {
	return strings.ToLower(prop) + ":" + strings.ToLower(strings.TrimSpace(value))
}
