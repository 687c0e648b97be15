package line

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestProperty_FilterQuickReplyLimits(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("output never exceeds the item cap and every label fits", prop.ForAll(
		func(labels []string) bool {
			items := make([]QuickReplyItem, len(labels))
			for i, l := range labels {
				items[i] = QuickReplyItem{Label: l}
			}

			out := FilterQuickReply(items)
			if len(out) > MaxQuickReplyItems {
				return false
			}
			for _, item := range out {
				if item.Label == "" || utf8.RuneCountInString(item.Label) > MaxQuickReplyLabel {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AnyString()),
	))

	properties.Property("surviving items keep their relative order", prop.ForAll(
		func(count int) bool {
			items := make([]QuickReplyItem, count)
			for i := range items {
				items[i] = QuickReplyItem{Label: strings.Repeat("a", i%20+1)}
			}

			out := FilterQuickReply(items)
			// labels encode their original length, which must be non-repeating
			// only in so far as order is preserved among kept lengths
			prev := -1
			kept := 0
			for i, item := range items {
				if kept == len(out) {
					break
				}
				if item.Label == out[kept].Label && i > prev {
					prev = i
					kept++
				}
			}
			return kept == len(out)
		},
		gen.IntRange(0, 50),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestProperty_FileDisplayName(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("display name never ends in a bare name.ext token", prop.ForAll(
		func(base string, ext string) bool {
			name := base + "." + ext
			display := FilePayload{Name: name}.DisplayName()
			// the separator must keep name and extension apart
			return display == base+" ."+ext
		},
		gen.RegexMatch(`[a-zA-Z0-9_-]{1,20}`),
		gen.RegexMatch(`[a-z]{1,5}`),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
