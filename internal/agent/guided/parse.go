package guided

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/marketscope/core/internal/agent/model"
)

// Statement is what one free-form turn said about costs and price.
type Statement struct {
	Inputs model.ProfitabilityInputs
	Price  *float64
	// Negative lists the labels whose amount carried a minus sign. Those
	// amounts are not applied.
	Negative []string
}

// Empty reports whether nothing was recognised.
func (s Statement) Empty() bool {
	return s.Price == nil && s.Inputs.Empty()
}

type field int

const (
	fieldOther field = iota
	fieldShipIn
	fieldPrice
	fieldCOGS
)

func (f field) String() string {
	switch f {
	case fieldShipIn:
		return "inbound shipping"
	case fieldPrice:
		return "price"
	case fieldCOGS:
		return "COGS"
	default:
		return "other costs"
	}
}

const (
	number = `\d{1,3}(?:,\d{3})+(?:\.\d+)?|\d+(?:\.\d+)?`
	money  = `(?:usd\s*)?(?P<neg>-\s*)?\$?\s*(?P<amt>` + number + `)`
	sep    = `\s*(?:[:=~]|-\s|\bis\b|\bare\b|\bof\b|\bat\b|\bto\b|\babout\b|\baround\b|\broughly\b)?\s*`
)

type labelRule struct {
	field       field
	labelFirst  *regexp.Regexp
	amountFirst *regexp.Regexp
	// marked rules only bind amounts written as money ("$2", "2.00").
	marked bool
}

func rule(f field, label string) labelRule {
	return labelRule{
		field:       f,
		labelFirst:  regexp.MustCompile(`(?i)\b(?P<label>` + label + `)\b` + sep + money),
		amountFirst: regexp.MustCompile(`(?i)` + money + `\s*(?:for|in|on)?\s*\b(?P<label>` + label + `)\b`),
	}
}

func markedRule(f field, label string) labelRule {
	r := rule(f, label)
	r.marked = true
	return r
}

// labelRules is ordered most specific first: a span claimed by one rule is
// blanked before the next rule runs, so "shipping cost 3" never feeds COGS.
var labelRules = []labelRule{
	rule(fieldOther, `other\s+costs?|misc(?:ellaneous)?(?:\s+costs?)?|extras?|packaging|prep(?:\s+costs?)?`),
	markedRule(fieldOther, `other`),
	rule(fieldShipIn, `(?:inbound\s+)?shipping(?:\s+in)?(?:\s+costs?)?|ship[\s-]?in(?:\s+costs?)?|inbound(?:\s+freight)?|freight(?:\s+costs?)?`),
	rule(fieldPrice, `(?:sell(?:ing)?|sale|list(?:ing)?|retail|new)\s+price|price|sell(?:ing)?(?:\s+it)?\s+(?:at|for)|list(?:\s+it)?\s+(?:at|for)`),
	rule(fieldCOGS, `cogs|cost\s+of\s+goods(?:\s+sold)?|unit\s+cost|landed\s+cost|product\s+cost|cost\s+per\s+unit|cost`),
}

var barePrice = regexp.MustCompile(`(?i)^\s*` + money + `\s*(?:usd|dollars?)?\s*[.!]?\s*$`)

// ParseCostStatement extracts money amounts bound to known labels. Label-first
// phrasing ("cogs 8") wins over amount-first ("$8 cogs") for the same text.
func ParseCostStatement(text string) Statement {
	work := []byte(text)
	var st Statement
	for _, pass := range []func(labelRule) *regexp.Regexp{
		func(r labelRule) *regexp.Regexp { return r.labelFirst },
		func(r labelRule) *regexp.Regexp { return r.amountFirst },
	} {
		for _, r := range labelRules {
			re := pass(r)
			amt, neg, label := 2*re.SubexpIndex("amt"), 2*re.SubexpIndex("neg"), 2*re.SubexpIndex("label")
			for {
				loc := re.FindSubmatchIndex(work)
				if loc == nil {
					break
				}
				raw := string(work[loc[amt]:loc[amt+1]])
				if r.marked && !moneyMarked(string(work[loc[0]:loc[1]]), raw) {
					blank(work, loc[label], loc[label+1])
					continue
				}
				switch v, ok := parseMoney(raw); {
				case loc[neg] >= 0:
					st.Negative = append(st.Negative, r.field.String())
				case ok:
					st.set(r.field, v)
				}
				blank(work, loc[0], loc[1])
			}
		}
	}
	return st
}

func moneyMarked(match, amount string) bool {
	return strings.Contains(match, "$") || strings.Contains(strings.ToLower(match), "usd") || strings.Contains(amount, ".")
}

func (s *Statement) set(f field, v float64) {
	switch f {
	case fieldOther:
		s.Inputs.OtherCosts = model.Float(v)
	case fieldShipIn:
		s.Inputs.ShipIn = model.Float(v)
	case fieldPrice:
		s.Price = model.Float(v)
	case fieldCOGS:
		s.Inputs.COGS = model.Float(v)
	}
}

// negativeNote tells the user which amounts were ignored, or returns "".
func (s Statement) negativeNote() string {
	if len(s.Negative) == 0 {
		return ""
	}
	return "Amounts can't be negative; ignored the figure for " + strings.Join(s.Negative, ", ") + "."
}

// ParseBarePrice accepts a turn that is nothing but an amount, e.g. "$24.99".
func ParseBarePrice(text string) (float64, bool) {
	m := barePrice.FindStringSubmatch(text)
	if m == nil || m[barePrice.SubexpIndex("neg")] != "" {
		return 0, false
	}
	return parseMoney(m[barePrice.SubexpIndex("amt")])
}

func parseMoney(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

func blank(b []byte, from, to int) {
	for i := from; i < to; i++ {
		b[i] = ' '
	}
}
