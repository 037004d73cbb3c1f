package pllumcord

import "strings"

// Language is the closed set of languages the bot can steer the model
// toward. English is the default and fallback.
type Language string

const (
	LanguageEnglish Language = "english"
	LanguagePolish  Language = "polish"
)

// Directive returns the natural-language instruction appended to the
// generation prompt for this language.
func (l Language) Directive() string {
	if l == LanguagePolish {
		return "Proszę odpowiadaj po polsku."
	}
	return "Please respond in English."
}

// polishDiacritics are letters that only occur in Polish text among the
// languages the bot supports.
const polishDiacritics = "ąćęłńóśźż"

// polishWords is a fixed list of common short Polish words and phrases.
// Single letters like "w"/"z"/"a"/"o" are valid Polish words but match
// too much English, so only the unambiguous ones are kept.
var polishWords = []string{
	"że", "jest", "się", "jak", "nie", "przez", "jeśli",
	"czy", "możesz", "może", "jesteś", "mam",
	"dziękuję", "proszę", "pomóż", "pokaż", "powiedz",
	"wyjaśnij", "opowiedz", "utwórz",
	"zrób", "mogę", "chcę", "musimy", "świat",
	"czas", "roku", "dzień", "godzin",
}

var polishGreetings = []string{
	"cześć", "witaj", "hej", "dzień dobry", "dobry wieczór",
	"siema", "witam", "hejka", "jak się masz",
}

var englishGreetings = []string{
	"hello", "hi", "hey", "good morning", "good evening",
}

// DetectLanguage classifies text as Polish or English. It's a pure
// function of the input: Polish diacritics or common Polish words win
// outright, then Polish greetings are weighed against English ones.
func DetectLanguage(text string) Language {
	lowered := strings.ToLower(text)

	if strings.ContainsAny(lowered, polishDiacritics) {
		return LanguagePolish
	}

	tokens := strings.FieldsFunc(
		lowered, func(r rune) bool {
			return !isWordRune(r)
		},
	)
	tokenSet := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		tokenSet[tok] = struct{}{}
	}
	for _, word := range polishWords {
		if _, ok := tokenSet[word]; ok {
			return LanguagePolish
		}
	}

	polishHits := 0
	for _, greeting := range polishGreetings {
		if strings.Contains(lowered, greeting) {
			polishHits++
		}
	}
	englishHits := 0
	for _, greeting := range englishGreetings {
		if strings.Contains(lowered, greeting) {
			englishHits++
		}
	}
	if polishHits > englishHits {
		return LanguagePolish
	}

	return LanguageEnglish
}

func isWordRune(r rune) bool {
	if r >= 'a' && r <= 'z' {
		return true
	}
	return strings.ContainsRune(polishDiacritics, r)
}
