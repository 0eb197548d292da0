package core

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"companion.chat/relay/internal/llm"
	"companion.chat/relay/internal/store"
)

const (
	noPreferencesLine = "- No preferences set yet\n"

	companionInstruction = "Be a supportive companion, listen actively, show empathy, " +
		"and engage in meaningful conversation based on their preferences."
)

// BuildSystemPrompt renders the companion persona for user. Preferences with
// empty values are skipped; keys are listed in sorted order.
func BuildSystemPrompt(user store.User) string {
	username := user.Username
	if username == "" {
		username = "User"
	}
	age := "Unknown"
	if user.Age != 0 {
		age = fmt.Sprint(user.Age)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are a warm, caring AI companion chatting with %s.\n\n", username)
	b.WriteString("User Information:\n")
	fmt.Fprintf(&b, "- Name: %s\n", username)
	fmt.Fprintf(&b, "- Age: %s\n\n", age)
	b.WriteString("User Preferences:\n")

	if len(user.Preferences) == 0 {
		b.WriteString(noPreferencesLine)
	} else {
		keys := make([]string, 0, len(user.Preferences))
		for k := range user.Preferences {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if v := user.Preferences[k]; v != "" {
				fmt.Fprintf(&b, "- %s: %s\n", PreferenceLabel(k), v)
			}
		}
	}

	b.WriteString("\n")
	b.WriteString(companionInstruction)
	return b.String()
}

// PreferenceLabel turns a key like "favorite_color" into "Favorite Color".
// Every run of letters is title-cased on its own, so "hobby2go" becomes
// "Hobby2Go".
func PreferenceLabel(key string) string {
	key = strings.ReplaceAll(key, "_", " ")
	// Casers keep state, so each call gets its own.
	caser := cases.Title(language.Und)

	var b strings.Builder
	for key != "" {
		n := strings.IndexFunc(key, isNotLetter)
		if n == 0 {
			n = strings.IndexFunc(key, unicode.IsLetter)
			if n < 0 {
				n = len(key)
			}
			b.WriteString(key[:n])
		} else {
			if n < 0 {
				n = len(key)
			}
			b.WriteString(caser.String(key[:n]))
		}
		key = key[n:]
	}
	return b.String()
}

func isNotLetter(r rune) bool { return !unicode.IsLetter(r) }

// SortMessages orders messages by ascending timestamp. Messages whose
// timestamp has not resolved yet sort first; ties keep their input order.
func SortMessages(messages []store.Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		a, b := messages[i].Timestamp, messages[j].Timestamp
		switch {
		case a == nil:
			return b != nil
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})
}

// WindowMessages returns the last n messages of an already sorted history.
func WindowMessages(messages []store.Message, n int) []store.Message {
	if n <= 0 || len(messages) <= n {
		return messages
	}
	return messages[len(messages)-n:]
}

// BuildCompletionMessages prepends the system prompt to the history window,
// dropping timestamps.
func BuildCompletionMessages(systemPrompt string, history []store.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history)+1)
	out = append(out, llm.Message{Role: string(store.RoleSystem), Content: systemPrompt})
	for _, m := range history {
		out = append(out, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}
