// Package indicators sweeps page text for contact and payment indicators.
package indicators

import (
	"regexp"
	"sort"

	"github.com/xkilldash9x/scamhunter/internal/store"
)

var (
	emailRE = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phoneRE = regexp.MustCompile(`\+?\d[\d\s().-]{7,}\d`)
	// BTC (bech32 and base58), LTC, DOGE, DASH.
	walletRE = regexp.MustCompile(`\b(?:` +
		`bc1[ac-hj-np-z02-9]{11,71}|` +
		`[13][a-km-zA-HJ-NP-Z1-9]{25,34}|` +
		`ltc1[ac-hj-np-z02-9]{11,71}|` +
		`[LM][a-km-zA-HJ-NP-Z1-9]{26,33}|` +
		`D[5-9A-HJ-NP-Ua-km-z1-9]{25,34}|` +
		`X[1-9A-HJ-NP-Za-km-z]{33}` +
		`)\b`)
)

// Set holds the distinct values found per kind, each sorted.
type Set struct {
	Emails  []string `json:"email"`
	Phones  []string `json:"phone"`
	Wallets []string `json:"wallet"`
}

// Pair is a (kind, value) tuple.
type Pair struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// Extract runs every pattern over text.
func Extract(text string) Set {
	return Set{
		Emails:  unique(emailRE.FindAllString(text, -1)),
		Phones:  unique(phoneRE.FindAllString(text, -1)),
		Wallets: unique(walletRE.FindAllString(text, -1)),
	}
}

// Pairs flattens the set in kind order email, phone, wallet.
func (s Set) Pairs() []Pair {
	out := make([]Pair, 0, s.Len())
	for _, group := range []struct {
		kind   string
		values []string
	}{
		{store.IndicatorEmail, s.Emails},
		{store.IndicatorPhone, s.Phones},
		{store.IndicatorWallet, s.Wallets},
	} {
		for _, v := range group.values {
			out = append(out, Pair{Kind: group.kind, Value: v})
		}
	}
	return out
}

// Map groups values by kind name. Empty kinds are present with an empty slice.
func (s Set) Map() map[string][]string {
	return map[string][]string{
		store.IndicatorEmail:  nonNil(s.Emails),
		store.IndicatorPhone:  nonNil(s.Phones),
		store.IndicatorWallet: nonNil(s.Wallets),
	}
}

// Len is the total number of values.
func (s Set) Len() int {
	return len(s.Emails) + len(s.Phones) + len(s.Wallets)
}

func unique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
