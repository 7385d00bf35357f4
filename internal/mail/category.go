package mail

import (
	"fmt"
	"sort"
	"strings"
)

type Category string

const (
	CategoryPrimary    Category = "PRIMARY"
	CategoryUpdates    Category = "UPDATES"
	CategoryPromotions Category = "PROMOTIONS"
	CategorySocial     Category = "SOCIAL"
	CategoryForums     Category = "FORUMS"
	CategoryUnknown    Category = "UNKNOWN"
)

// ParseCategory accepts category names and Gmail label ids
// ("CATEGORY_UPDATES"). Gmail calls the primary tab "PERSONAL".
func ParseCategory(s string) Category {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "CATEGORY_")
	switch Category(s) {
	case CategoryPrimary, "PERSONAL":
		return CategoryPrimary
	case CategoryUpdates:
		return CategoryUpdates
	case CategoryPromotions:
		return CategoryPromotions
	case CategorySocial:
		return CategorySocial
	case CategoryForums:
		return CategoryForums
	default:
		return CategoryUnknown
	}
}

// Categories is the allow-set for inbox categories.
type Categories map[Category]struct{}

// DefaultCategories allows the primary and updates tabs.
func DefaultCategories() Categories {
	return Categories{CategoryPrimary: {}, CategoryUpdates: {}}
}

// NewCategories builds an allow-set from names. Empty input yields the
// defaults; unknown names are an error.
func NewCategories(names []string) (Categories, error) {
	if len(names) == 0 {
		return DefaultCategories(), nil
	}
	out := Categories{}
	for _, n := range names {
		c := ParseCategory(n)
		if c == CategoryUnknown {
			return nil, fmt.Errorf("unknown mail category %q", n)
		}
		out[c] = struct{}{}
	}
	return out, nil
}

// Allowed reports whether c is in the set. UNKNOWN is never allowed.
func (cs Categories) Allowed(c Category) bool {
	if c == CategoryUnknown || c == "" {
		return false
	}
	_, ok := cs[c]
	return ok
}

func (cs Categories) Names() []string {
	out := make([]string, 0, len(cs))
	for c := range cs {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}
