package email

import (
	"sort"
	"strings"
)

// Extension keywords the client acts on.
const (
	CapSTARTTLS = "STARTTLS"
	CapAUTH     = "AUTH"
	CapSIZE     = "SIZE"
	Cap8BITMIME = "8BITMIME"
)

// CapabilitySet maps each extension keyword advertised in the most recent
// EHLO reply to its parameters (e.g. "AUTH" -> "LOGIN PLAIN").
type CapabilitySet map[string]string

// Has reports whether keyword was advertised. Lookup is case-insensitive.
func (cs CapabilitySet) Has(keyword string) bool {
	_, ok := cs[strings.ToUpper(keyword)]
	return ok
}

// Param returns the parameters advertised with keyword.
func (cs CapabilitySet) Param(keyword string) string {
	return cs[strings.ToUpper(keyword)]
}

// Keywords returns the advertised keywords in sorted order.
func (cs CapabilitySet) Keywords() []string {
	keys := make([]string, 0, len(cs))
	for k := range cs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ParseEHLOReply builds a CapabilitySet from a complete EHLO reply. The first
// line is the server greeting; every following line contributes one entry
// keyed by its upper-cased leading token.
func ParseEHLOReply(rep Reply) CapabilitySet {

	cs := make(CapabilitySet, len(rep.Lines))

	if len(rep.Lines) < 2 {
		return cs
	}

	for _, line := range rep.Lines[1:] {

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		keyword := strings.ToUpper(fields[0])
		params := fields[1:]

		// "AUTH=LOGIN" is an old spelling of "AUTH LOGIN"; both may appear
		if strings.HasPrefix(keyword, "AUTH=") {
			params = append([]string{strings.TrimPrefix(keyword, "AUTH=")}, params...)
			keyword = CapAUTH
		}

		if keyword == CapAUTH {
			cs[CapAUTH] = mergeMechs(cs[CapAUTH], params)
			continue
		}

		cs[keyword] = strings.Join(params, " ")
	}

	return cs
}

func mergeMechs(prev string, add []string) string {

	sMechs := strings.Fields(prev)
	for _, m := range add {
		m = strings.ToUpper(m)
		dup := false
		for _, v := range sMechs {
			if v == m {
				dup = true
				break
			}
		}
		if !dup {
			sMechs = append(sMechs, m)
		}
	}

	return strings.Join(sMechs, " ")
}
