package transcribe

import (
	"regexp"
	"strings"
)

// Filter inspects candidate transcription text and reports whether it
// should be rejected. Filters are pure functions of their input so the
// set can be extended and tested independently of pipeline control flow.
type Filter func(text string) (reject bool, reason string)

// Reject runs text through the filter chain, returning the first
// rejection.
func Reject(text string, filters []Filter) (bool, string) {
	for _, f := range filters {
		if reject, reason := f(text); reject {
			return true, reason
		}
	}
	return false, ""
}

// Known transcription artifacts: caption/credit boilerplate, bracketed
// stage directions, music markers and URLs that speech models produce
// from silence or noise.
var artifactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*(thanks?\s+(you\s+)?for\s+watching|please\s+(like\s+and\s+)?subscribe|don't\s+forget\s+to\s+subscribe)`),
	regexp.MustCompile(`(?i)(subtitles?\s+(by|provided)|captions?\s+by|amara\.org|subscribe\s+to\s+(my|our|the)\s+channel)`),
	regexp.MustCompile(`(?i)^\s*[\[(][^\])]*[\])][\s.!?]*$`),
	regexp.MustCompile(`^\s*[♪♫#*]+`),
	regexp.MustCompile(`(?i)^\s*(www\.|https?://)`),
}

// Single filler utterances that are never a real query on their own.
var fillerPattern = regexp.MustCompile(`(?i)^\s*(uh+|um+|hm+|mhm+|huh|ah+|oh+|mm+|yeah|yep|okay|ok|so|bye|hello|hi|hey|thank\s+you|thanks)[\s.!?]*$`)

// ArtifactFilter rejects outputs matching the known hallucination
// artifact patterns.
func ArtifactFilter() Filter {
	return func(text string) (bool, string) {
		for _, p := range artifactPatterns {
			if p.MatchString(text) {
				return true, "artifact"
			}
		}
		if fillerPattern.MatchString(text) {
			return true, "filler"
		}
		return false, ""
	}
}

// RepeatedPhraseFilter rejects text that is one phrase echoed over and
// over, a common hallucination on trailing silence.
func RepeatedPhraseFilter(minRepeats int) Filter {
	return func(text string) (bool, string) {
		words := strings.Fields(normalize(text))
		if len(words) < minRepeats*2 {
			return false, ""
		}
		// Try phrase lengths up to a quarter of the text.
		for size := 1; size <= len(words)/minRepeats; size++ {
			if len(words)%size != 0 {
				continue
			}
			phrase := strings.Join(words[:size], " ")
			repeated := true
			for i := size; i < len(words); i += size {
				if strings.Join(words[i:i+size], " ") != phrase {
					repeated = false
					break
				}
			}
			if repeated && len(words)/size >= minRepeats {
				return true, "repeated_phrase"
			}
		}
		return false, ""
	}
}

// GibberishFilter rejects output with no recognizable words: strings of
// punctuation, lone symbols, or text that is mostly non-letters.
func GibberishFilter() Filter {
	return func(text string) (bool, string) {
		letters, total := 0, 0
		for _, r := range text {
			if r == ' ' {
				continue
			}
			total++
			if isLetter(r) {
				letters++
			}
		}
		if total == 0 {
			return true, "empty"
		}
		if float64(letters)/float64(total) < 0.5 {
			return true, "gibberish"
		}
		return false, ""
	}
}

// Words that mark a short utterance as a real question or a domain query
// worth answering despite its length.
var questionStarters = map[string]bool{
	"what": true, "why": true, "how": true, "when": true, "where": true,
	"who": true, "which": true, "can": true, "could": true, "would": true,
	"should": true, "is": true, "are": true, "do": true, "does": true,
	"did": true, "explain": true, "describe": true, "tell": true,
	"compare": true, "define": true, "write": true, "implement": true,
}

var domainKeywords = map[string]bool{
	"algorithm": true, "complexity": true, "database": true, "array": true,
	"string": true, "function": true, "thread": true, "process": true,
	"network": true, "memory": true, "cache": true, "queue": true,
	"stack": true, "tree": true, "graph": true, "sort": true,
	"search": true, "design": true, "system": true, "api": true,
}

// MinContentFilter rejects outputs under minWords unless they start with
// a recognized question word or contain a domain keyword, so a single
// stray word cannot trigger a full generation cycle.
func MinContentFilter(minWords int) Filter {
	return func(text string) (bool, string) {
		words := strings.Fields(normalize(text))
		if len(words) >= minWords {
			return false, ""
		}
		if len(words) == 0 {
			return true, "empty"
		}
		if questionStarters[words[0]] {
			return false, ""
		}
		for _, w := range words {
			if domainKeywords[w] {
				return false, ""
			}
		}
		return true, "too_short"
	}
}

// DefaultFilters returns the production filter chain, in gate order.
func DefaultFilters() []Filter {
	return []Filter{
		ArtifactFilter(),
		RepeatedPhraseFilter(3),
		GibberishFilter(),
		MinContentFilter(3),
	}
}

func normalize(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if isLetter(r) || r == ' ' || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return b.String()
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r > 127
}
