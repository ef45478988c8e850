package extraction

import (
	"regexp"
	"strings"
)

var (
	// $-prefixed amounts may omit cents; bare amounts need them.
	reAmount = regexp.MustCompile(`\$\s?(?:\d{1,3}(?:,\d{3})+|\d+)(?:\.\d{2})?|(?:\d{1,3}(?:,\d{3})+|\d+)\.\d{2}`)
	reDate   = regexp.MustCompile(`\b\d{1,2}[/\-.]\d{1,2}[/\-.]\d{2,4}\b`)
	reCPT    = regexp.MustCompile(`\b\d{5}\b`)
	reLetter = regexp.MustCompile(`\b[A-Z]\d+(?:\.\d+)?\b`)
	reHCPCS  = regexp.MustCompile(`^[A-Z]\d{4}$`)
)

// ExtractNumericalData pulls every amount, date and code-shaped token out of text in order of first occurrence.
// Duplicates are kept. The returned slices are never nil.
func ExtractNumericalData(text string) NumericalData {
	return NumericalData{
		AllAmounts: ExtractAmounts(text),
		AllDates:   ExtractDates(text),
		AllCodes:   ExtractCodes(text),
	}
}

// ExtractAmounts returns every monetary token in text
func ExtractAmounts(text string) []string {
	amounts := make([]string, 0)
	for _, loc := range reAmount.FindAllStringIndex(text, -1) {
		if !standalone(text, loc[0], loc[1]) {
			continue
		}
		amounts = append(amounts, strings.TrimSpace(text[loc[0]:loc[1]]))
	}
	return amounts
}

// ExtractDates returns every date-shaped token in text
func ExtractDates(text string) []string {
	dates := reDate.FindAllString(text, -1)
	if dates == nil {
		return []string{}
	}
	return dates
}

// ExtractCodes returns CPT, HCPCS and ICD-10-like tokens in document order
func ExtractCodes(text string) []CodeMatch {
	type located struct {
		pos   int
		match CodeMatch
	}
	var found []located

	for _, loc := range reCPT.FindAllStringIndex(text, -1) {
		if !standalone(text, loc[0], loc[1]) {
			continue
		}
		found = append(found, located{loc[0], CodeMatch{Type: CodeCPT, Code: text[loc[0]:loc[1]]}})
	}
	for _, loc := range reLetter.FindAllStringIndex(text, -1) {
		code := text[loc[0]:loc[1]]
		typ := CodeICD10
		if reHCPCS.MatchString(code) {
			typ = CodeHCPCS
		}
		found = append(found, located{loc[0], CodeMatch{Type: typ, Code: code}})
	}

	// insertion sort keeps equal positions stable; code lists are short
	for i := 1; i < len(found); i++ {
		for j := i; j > 0 && found[j].pos < found[j-1].pos; j-- {
			found[j], found[j-1] = found[j-1], found[j]
		}
	}

	codes := make([]CodeMatch, 0, len(found))
	for _, f := range found {
		codes = append(codes, f.match)
	}
	return codes
}

// standalone rejects tokens that are part of a longer numeric run such as a dotted date or a longer number.
func standalone(text string, start, end int) bool {
	if start > 0 {
		switch prev := text[start-1]; {
		case isDigit(prev), prev == '/', prev == '.', prev == ',':
			return false
		case (prev == '$' || isLetter(prev)) && isDigit(text[start]):
			return false
		}
	}
	if end < len(text) {
		next := text[end]
		if isDigit(next) || next == '/' {
			return false
		}
		if (next == '.' || next == '-' || next == ',') && end+1 < len(text) && isDigit(text[end+1]) {
			return false
		}
	}
	return true
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
