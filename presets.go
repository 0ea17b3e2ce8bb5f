package email

import "strings"

// Preset is static connection data for a mail provider.
type Preset struct {
	Host   string   `yaml:"host" toml:"host" validate:"required"`
	Port   uint16   `yaml:"port" toml:"port" validate:"required"`
	Secure bool     `yaml:"secure" toml:"secure"`
	Domain []string `yaml:"domains" toml:"domains"` // sender domains served by this provider
}

// PresetResolver looks up provider presets by name or by sender domain.
type PresetResolver interface {
	ByName(name string) (Preset, bool)
	ByDomain(domain string) (Preset, bool)
}

// PresetTable is a map-backed PresetResolver.  Names and domains match
// case-insensitively.
type PresetTable map[string]Preset

func (t PresetTable) ByName(name string) (Preset, bool) {
	if p, ok := t[name]; ok {
		return p, true
	}
	for k, p := range t {
		if strings.EqualFold(k, name) {
			return p, true
		}
	}
	return Preset{}, false
}

func (t PresetTable) ByDomain(domain string) (Preset, bool) {
	for _, p := range t {
		for _, d := range p.Domain {
			if strings.EqualFold(d, domain) {
				return p, true
			}
		}
	}
	return Preset{}, false
}

// senderDomain returns the domain part of an address such as
// "Name <user@example.com>", or "" if there is none.
func senderDomain(szAddr string) string {
	szAddr = extractAddress(szAddr)
	if ix := strings.LastIndexByte(szAddr, '@'); ix >= 0 {
		return strings.ToLower(szAddr[ix+1:])
	}
	return ""
}
