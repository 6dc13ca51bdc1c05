package fleet

import "strings"

// Proxy is a network egress path rooms can be assigned to.
type Proxy struct {
	Label string `yaml:"label" json:"label" validate:"required"`
	URL   string `yaml:"url" json:"url" validate:"required,url"`
}

// proxyPool hands out proxies to new rooms.
type proxyPool struct {
	proxies []Proxy
	// perProxy caps automatic assignment. Zero means unlimited.
	perProxy int
}

func (p proxyPool) lookup(label string) (Proxy, bool) {
	for _, px := range p.proxies {
		if strings.EqualFold(px.Label, label) {
			return px, true
		}
	}
	return Proxy{}, false
}

// pick returns the proxy with the fewest rooms. Ties go to the proxy
// configured first. It returns false when no proxies are configured or
// all of them are full.
func (p proxyPool) pick(load map[string]int) (Proxy, bool) {
	var (
		best  Proxy
		found bool
	)
	for _, px := range p.proxies {
		n := load[px.Label]
		if p.perProxy > 0 && n >= p.perProxy {
			continue
		}
		if !found || n < load[best.Label] {
			best = px
			found = true
		}
	}
	return best, found
}
