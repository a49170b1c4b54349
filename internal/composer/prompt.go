// Package composer builds the bounded grounding context sent with every
// chat turn: the most recent interactions plus a few recent diaries.
package composer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/daybook/internal/model"
	"github.com/kalambet/daybook/internal/oracle"
)

const (
	defaultMaxInteractions = 3
	defaultMaxDiaries      = 3
	defaultDiaryRunes      = 200
)

// Context is a read-only projection built fresh per request. It is never
// persisted.
type Context struct {
	Interactions []model.Interaction
	Diaries      []model.Diary
}

// Composer assembles Contexts within fixed bounds.
type Composer struct {
	MaxInteractions int
	MaxDiaries      int
	DiaryRunes      int
}

// New creates a Composer with the default bounds (3 interactions, 3
// diaries, 200 runes of diary content).
func New() *Composer {
	return &Composer{
		MaxInteractions: defaultMaxInteractions,
		MaxDiaries:      defaultMaxDiaries,
		DiaryRunes:      defaultDiaryRunes,
	}
}

// Build selects the last interactions (oldest first) and the most recent
// diaries (newest first) with truncated content. Inputs are not modified.
func (c *Composer) Build(history []model.Interaction, diaries []model.Diary) Context {
	var out Context

	n := min(c.MaxInteractions, len(history))
	if n > 0 {
		out.Interactions = make([]model.Interaction, n)
		copy(out.Interactions, history[len(history)-n:])
	}

	if len(diaries) == 0 || c.MaxDiaries <= 0 {
		return out
	}
	sorted := make([]model.Diary, len(diaries))
	copy(sorted, diaries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[j].Date.Time().Before(sorted[i].Date.Time())
	})
	if len(sorted) > c.MaxDiaries {
		sorted = sorted[:c.MaxDiaries]
	}
	for i := range sorted {
		sorted[i].Content = Truncate(sorted[i].Content, c.DiaryRunes)
	}
	out.Diaries = sorted
	return out
}

// Messages renders ctx as conversation history for the oracle. Diaries go
// into a leading system message; interactions become user/assistant pairs.
func (c *Composer) Messages(ctx Context) []oracle.Message {
	msgs := make([]oracle.Message, 0, 1+2*len(ctx.Interactions))

	if len(ctx.Diaries) > 0 {
		var sb strings.Builder
		sb.WriteString("[Recent Diaries]\n")
		for _, d := range ctx.Diaries {
			sb.WriteString(formatDiary(d))
		}
		msgs = append(msgs, oracle.Message{Role: "system", Content: strings.TrimRight(sb.String(), "\n")})
	}

	for _, it := range ctx.Interactions {
		if it.UserInput != "" {
			msgs = append(msgs, oracle.Message{Role: "user", Content: it.UserInput})
		}
		if it.AIResponse != "" {
			msgs = append(msgs, oracle.Message{Role: "assistant", Content: it.AIResponse})
		}
	}
	return msgs
}

func formatDiary(d model.Diary) string {
	var sb strings.Builder
	if !d.Date.IsZero() {
		sb.WriteString(d.Date.String())
	} else {
		sb.WriteString("undated")
	}
	if d.Emotion != "" {
		fmt.Fprintf(&sb, " (%s)", d.Emotion)
	}
	if d.Title != "" {
		fmt.Fprintf(&sb, " %s", d.Title)
	}
	fmt.Fprintf(&sb, ": %s\n", d.Content)
	return sb.String()
}

// Truncate cuts s to at most n runes, marking the cut with an ellipsis.
// n <= 0 leaves s unchanged.
func Truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}
