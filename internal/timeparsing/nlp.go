package timeparsing

import (
	"fmt"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var nlpParser = newNLPParser()

func newNLPParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// ParseNaturalLanguage resolves phrases like "tomorrow", "next monday at
// 2pm", "in 3 days", or "3 days ago" against now.
func ParseNaturalLanguage(s string, now time.Time) (time.Time, error) {
	r, err := nlpParser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("timeparsing: parse %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("timeparsing: %q did not match a natural-language time expression", s)
	}
	return r.Time, nil
}
