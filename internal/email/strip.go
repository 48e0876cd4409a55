package email

import (
	"regexp"
	"strings"
)

// replyBoundaries mark where quoted content from earlier messages begins.
// Ordering is irrelevant to the outcome: the earliest match position across
// all patterns wins.
var replyBoundaries = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^On .* wrote:`),
	regexp.MustCompile(`(?m)^Le .* a écrit :`),
	regexp.MustCompile(`(?m)^From: .*@.*\..*`),
	regexp.MustCompile(`(?m)^De : .*@.*\..*`),
	regexp.MustCompile(`(?m)^>+ `),
	regexp.MustCompile(`-{3,} ?Original Message ?-{3,}`),
	regexp.MustCompile(`_{10,}`),
}

// StripQuotedReply truncates body at the earliest reply boundary and trims
// surrounding whitespace. Bodies without a boundary come back trimmed but
// otherwise unchanged.
func StripQuotedReply(body string) string {
	if body == "" {
		return ""
	}

	cut := -1
	for _, re := range replyBoundaries {
		loc := re.FindStringIndex(body)
		if loc == nil {
			continue
		}
		if cut == -1 || loc[0] < cut {
			cut = loc[0]
		}
	}

	if cut != -1 {
		body = body[:cut]
	}

	return strings.TrimSpace(body)
}
