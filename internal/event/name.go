package event

import (
	"strings"
	"unicode"
)

// NormalizeName maps an event name onto the form used for handler lookup:
// dots become underscores, CamelCase words are split with underscores and
// everything is lower-cased.
//
//	cards.inserted           -> cards_inserted
//	CardsInserted            -> cards_inserted
//	QueredReportTransactions -> quered_report_transactions
//	cards$inserted           -> cards$inserted
func NormalizeName(name string) string {
	name = strings.ReplaceAll(name, ".", "_")

	var b strings.Builder
	b.Grow(len(name) + 4)
	runes := []rune(name)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && runes[i-1] != '_' && !unicode.IsUpper(runes[i-1]) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
