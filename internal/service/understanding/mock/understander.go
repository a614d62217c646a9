// Package mock provides a deterministic rule-based understander for local
// runs and tests. It recognises amounts, merchants, categories and simple
// relative dates.
package mock

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"voice-expense-service/internal/models"
	"voice-expense-service/internal/service/understanding"
)

var (
	clauseSplit  = regexp.MustCompile(`(?i)[.;!?]|,\s*and\b|\band then\b|\bthen\b|\balso\b|\bplus\b`)
	dollarAmount = regexp.MustCompile(`\$\s?(\d+(?:,\d{3})*(?:\.\d{1,2})?)`)
	digitAmount  = regexp.MustCompile(`(?i)\b(\d+(?:,\d{3})*(?:\.\d{1,2})?)\s*(dollars?|bucks|usd|euros?|eur|pounds?|gbp)\b`)
	merchantRe   = regexp.MustCompile(`(?i)\b(at|from|on)\s+`)
	spentAmount  = regexp.MustCompile(`(?i)\b(?:spent|paid|cost|costs|was)\s+(\d+(?:\.\d{1,2})?)\b`)
)

var merchantStop = map[string]bool{
	"for": true, "on": true, "at": true, "yesterday": true, "today": true, "and": true,
	"then": true, "with": true, "this": true, "last": true, "in": true,
	"to": true, "dollars": true, "dollar": true, "bucks": true,
}

// Understander parses utterances with fixed rules.
type Understander struct {
	currency string
}

// New creates an understander reporting amounts in USD unless a currency word says otherwise.
func New() *Understander {
	return &Understander{currency: "USD"}
}

// Name returns "mock".
func (u *Understander) Name() string {
	return "mock"
}

// Propose returns one candidate per clause that mentions an amount.
func (u *Understander) Propose(ctx context.Context, req understanding.Request) ([]understanding.RawCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	date := req.Now
	if containsWord(req.Utterance, "yesterday") {
		date = req.Now.AddDate(0, 0, -1)
	}

	var out []understanding.RawCandidate
	for _, clause := range clauseSplit.Split(req.Utterance, -1) {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		amount, currency, ok := parseAmount(clause)
		if !ok {
			continue
		}
		if currency == "" {
			currency = u.currency
		}

		clauseDate := date
		if containsWord(clause, "yesterday") {
			clauseDate = req.Now.AddDate(0, 0, -1)
		} else if containsWord(clause, "today") {
			clauseDate = req.Now
		}

		category := matchCategory(clause, req.Categories)
		out = append(out, understanding.RawCandidate{
			Amount:      amount,
			Currency:    currency,
			Merchant:    findMerchant(clause, req.Categories),
			Category:    category,
			Date:        clauseDate.Format(models.DateLayout),
			Description: clause,
		})
	}
	return out, nil
}

func parseAmount(clause string) (float64, string, bool) {
	if m := dollarAmount.FindStringSubmatch(clause); m != nil {
		v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
		return v, "USD", err == nil
	}
	if m := digitAmount.FindStringSubmatch(clause); m != nil {
		v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
		return v, currencyFor(m[2]), err == nil
	}
	if m := spentAmount.FindStringSubmatch(clause); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		return v, "", err == nil
	}
	return parseWordAmount(clause)
}

func currencyFor(word string) string {
	switch w := strings.ToLower(word); {
	case strings.HasPrefix(w, "euro"), w == "eur":
		return "EUR"
	case strings.HasPrefix(w, "pound"), w == "gbp":
		return "GBP"
	}
	return "USD"
}

var units = map[string]int{
	"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6,
	"seven": 7, "eight": 8, "nine": 9, "ten": 10, "eleven": 11, "twelve": 12,
	"thirteen": 13, "fourteen": 14, "fifteen": 15, "sixteen": 16, "seventeen": 17,
	"eighteen": 18, "nineteen": 19,
	"twenty": 20, "thirty": 30, "forty": 40, "fifty": 50, "sixty": 60,
	"seventy": 70, "eighty": 80, "ninety": 90,
}

// parseWordAmount reads spelled-out amounts such as "forty dollars",
// "twelve fifty" or "three dollars and twenty five cents".
func parseWordAmount(clause string) (float64, string, bool) {
	words := tokenize(clause)
	for i := 0; i < len(words); i++ {
		whole, n := readNumber(words[i:])
		if n == 0 {
			continue
		}
		j := i + n
		if j < len(words) && isCurrencyWord(words[j]) {
			currency := currencyFor(words[j])
			j++
			cents := 0
			if j+1 < len(words) && words[j] == "and" {
				if c, m := readNumber(words[j+1:]); m > 0 && j+1+m < len(words) && strings.HasPrefix(words[j+1+m], "cent") {
					cents = c
				}
			} else if c, m := readNumber(words[j:]); m > 0 && c < 100 && (j+m == len(words) || strings.HasPrefix(words[j+m], "cent")) {
				cents = c
			}
			return float64(whole) + float64(cents)/100, currency, true
		}
		// "twelve fifty": two number groups with the second under 100.
		if j < len(words) && whole < 100 {
			if c, m := readNumber(words[j:]); m > 0 && c < 100 && c >= 10 {
				return float64(whole) + float64(c)/100, "", true
			}
		}
		// A bare number right after a spending verb: "spent fifty two on lunch".
		if i > 0 && spendingVerbs[words[i-1]] {
			return float64(whole), "", true
		}
		i = j - 1
	}
	return 0, "", false
}

// readNumber consumes a spelled-out integer and returns it with the number of words used.
func readNumber(words []string) (int, int) {
	total, current, used := 0, 0, 0
loop:
	for used < len(words) {
		w := words[used]
		if v, ok := units[w]; ok {
			if !extends(current, v) {
				break
			}
			current += v
			used++
			continue
		}
		switch w {
		case "hundred":
			if current == 0 {
				current = 1
			}
			current *= 100
		case "thousand":
			if current == 0 {
				current = 1
			}
			total += current * 1000
			current = 0
		case "and":
			// "one hundred and five"
			if current < 100 || used+1 >= len(words) {
				break loop
			}
			if _, ok := units[words[used+1]]; !ok {
				break loop
			}
		case "a":
			if current != 0 || used+1 >= len(words) || (words[used+1] != "hundred" && words[used+1] != "thousand") {
				break loop
			}
		default:
			break loop
		}
		used++
	}
	if used == 0 || words[used-1] == "a" {
		return 0, 0
	}
	return total + current, used
}

// extends reports whether v can follow current in one spelled number:
// "forty" + "two" yes, "twelve" + "fifty" no.
func extends(current, v int) bool {
	rem := current % 100
	if rem == 0 {
		return true
	}
	return rem >= 20 && rem%10 == 0 && v < 10
}

var spendingVerbs = map[string]bool{"spent": true, "paid": true, "cost": true, "costs": true, "was": true}

func isCurrencyWord(w string) bool {
	switch w {
	case "dollar", "dollars", "bucks", "usd", "euro", "euros", "eur", "pound", "pounds", "gbp":
		return true
	}
	return false
}

func findMerchant(clause string, cats []models.Category) string {
	for _, loc := range merchantRe.FindAllStringSubmatchIndex(clause, -1) {
		prep := clause[loc[2]:loc[3]]
		var name []string
		for _, w := range strings.Fields(clause[loc[1]:]) {
			w = strings.Trim(w, ",.")
			lw := strings.ToLower(w)
			if merchantStop[lw] || isCurrencyWord(lw) || len(name) == 4 {
				break
			}
			if _, ok := units[lw]; ok {
				break
			}
			name = append(name, w)
		}
		if len(name) == 0 {
			continue
		}
		phrase := strings.Join(name, " ")
		// "on coffee" names a category, not a merchant.
		if strings.EqualFold(prep, "on") && matchCategory(phrase, cats) != "" {
			continue
		}
		return titleCase(phrase)
	}
	return ""
}

func matchCategory(clause string, cats []models.Category) string {
	words := tokenize(clause)
	for _, c := range cats {
		for _, kw := range c.Keywords {
			kw = strings.ToLower(kw)
			if strings.Contains(kw, " ") {
				if strings.Contains(strings.ToLower(clause), kw) {
					return c.Name
				}
				continue
			}
			for _, w := range words {
				if w == kw || w == kw+"s" {
					return c.Name
				}
			}
		}
	}
	return ""
}

func containsWord(s, word string) bool {
	for _, w := range tokenize(s) {
		if w == word {
			return true
		}
	}
	return false
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		if w == strings.ToLower(w) {
			r := []rune(w)
			r[0] = unicode.ToUpper(r[0])
			words[i] = string(r)
		}
	}
	return strings.Join(words, " ")
}
