// Package recovery drives a paused session back to running: it works out
// what the pause needs from the user, saves it, asks the server to resume
// and reopens the stream.
package recovery

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/modforge/genwatch/internal/redact"
)

// Kind says what a pause needs before it can be resumed.
type Kind int

const (
	// KindGeneric pauses only need a resume call.
	KindGeneric Kind = iota
	// KindCredential pauses need a credential saved first.
	KindCredential
)

func (k Kind) String() string {
	switch k {
	case KindCredential:
		return "credential"
	default:
		return "generic"
	}
}

// Pause reasons are free text. These phrases mark the ones caused by a
// missing or rejected credential.
var credentialPhrases = []string{
	"api key",
	"api_key",
	"apikey",
	"unauthorized",
	"authentication",
	"401",
	"invalid key",
	"credential",
	"permission denied",
	"403",
}

// knownProviders maps provider ids to display names. Providers not listed
// still work when named by a "provider:" prefix.
var knownProviders = map[string]string{
	"anthropic":  "Anthropic",
	"openai":     "OpenAI",
	"gemini":     "Gemini",
	"google":     "Google",
	"mistral":    "Mistral",
	"groq":       "Groq",
	"openrouter": "OpenRouter",
	"deepseek":   "DeepSeek",
	"curseforge": "CurseForge",
	"modrinth":   "Modrinth",
}

// Classification is the result of reading a pause reason.
type Classification struct {
	Kind     Kind
	Reason   string
	Provider string
	// Credential is the name the credential is stored under. Empty for
	// generic pauses.
	Credential string
}

// Classify reads a pause reason. Matching is loose and case-insensitive;
// anything it does not recognise is generic.
func Classify(reason string) Classification {
	c := Classification{Kind: KindGeneric, Reason: reason}
	lower := strings.ToLower(reason)

	c.Provider = detectProvider(lower)
	for _, p := range credentialPhrases {
		if strings.Contains(lower, p) {
			c.Kind = KindCredential
			break
		}
	}
	if c.Kind == KindCredential {
		c.Credential = c.Provider
		if c.Credential == "" {
			c.Credential = "default"
		}
	}
	return c
}

func detectProvider(lower string) string {
	if head, _, ok := strings.Cut(lower, ":"); ok {
		head = strings.TrimSpace(head)
		if isProviderID(head) {
			return head
		}
	}
	// Longest match wins.
	best := ""
	for id := range knownProviders {
		if len(id) > len(best) && strings.Contains(lower, id) {
			best = id
		}
	}
	return best
}

func isProviderID(s string) bool {
	if s == "" || len(s) > 32 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

// ProviderName returns the display name for a provider id.
func ProviderName(id string) string {
	if id == "" {
		return ""
	}
	if name, ok := knownProviders[id]; ok {
		return name
	}
	return cases.Title(language.English).String(strings.NewReplacer("-", " ", "_", " ").Replace(id))
}

// Field is one input on a recovery form.
type Field struct {
	Key         string
	Label       string
	Placeholder string
	Secret      bool
}

// FieldValue is the key of the credential value field.
const FieldValue = "value"

// Form describes what the user is asked for before resuming.
type Form struct {
	Classification
	Title string
	// Help is markdown.
	Help   string
	Fields []Field
}

// FormFor builds the form for a classification. Generic pauses get a form
// with no fields: submitting it only resumes.
func FormFor(c Classification) Form {
	f := Form{Classification: c}
	if c.Kind != KindCredential {
		f.Title = "Generation paused"
		f.Help = fmt.Sprintf("The run paused:\n\n> %s\n\nPress **enter** to resume once the cause is dealt with.", quoteReason(c.Reason))
		return f
	}

	name := ProviderName(c.Provider)
	label := "API key"
	if name != "" {
		label = name + " API key"
	}
	f.Title = label + " needed"
	f.Help = fmt.Sprintf("The run paused because a credential was rejected:\n\n> %s\n\n"+
		"Paste a valid **%s**. It is saved as `%s` on the server, then the run resumes "+
		"from where it stopped.", quoteReason(c.Reason), label, c.Credential)
	f.Fields = []Field{{
		Key:         FieldValue,
		Label:       label,
		Placeholder: "sk-...",
		Secret:      true,
	}}
	return f
}

func quoteReason(r string) string {
	if strings.TrimSpace(r) == "" {
		return "no reason given"
	}
	return redact.String(r)
}
