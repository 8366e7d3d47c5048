package social

import (
	"regexp"
	"strings"
)

var (
	mentionPattern   = regexp.MustCompile(`@\S+`)
	shortLinkPattern = regexp.MustCompile(`https://t\.co/\w+`)
)

// StripMentions removes @handles.
func StripMentions(text string) string {
	return strings.TrimSpace(mentionPattern.ReplaceAllString(text, ""))
}

// StripShortLinks removes t.co links, which point at the post's own media.
func StripShortLinks(text string) string {
	return strings.TrimSpace(shortLinkPattern.ReplaceAllString(text, ""))
}

// NormalizeText applies StripMentions then StripShortLinks.
func NormalizeText(text string) string {
	return StripShortLinks(StripMentions(text))
}
