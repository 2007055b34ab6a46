package transcribe

import "testing"

func TestArtifactFilter(t *testing.T) {
	f := ArtifactFilter()

	rejected := []string{
		"Thanks for watching!",
		"Please like and subscribe",
		"Subtitles by the Amara.org community",
		"[MUSIC PLAYING]",
		"(applause)",
		"♪ ♪ ♪",
		"www.example.com",
		"Um.",
		"Thank you.",
		"okay",
	}
	for _, text := range rejected {
		if reject, _ := f(text); !reject {
			t.Errorf("Expected %q to be rejected", text)
		}
	}

	accepted := []string{
		"What is the time complexity of quicksort?",
		"Thanks to memoization this runs in linear time",
		"How would you subscribe to a channel in Go?",
	}
	for _, text := range accepted {
		if reject, reason := f(text); reject {
			t.Errorf("Expected %q to pass, rejected as %s", text, reason)
		}
	}
}

func TestRepeatedPhraseFilter(t *testing.T) {
	f := RepeatedPhraseFilter(3)

	if reject, _ := f("are you there are you there are you there"); !reject {
		t.Error("Expected triple echo to be rejected")
	}
	if reject, _ := f("no no no no no no"); !reject {
		t.Error("Expected repeated word to be rejected")
	}
	if reject, _ := f("how do hash maps handle collisions internally"); reject {
		t.Error("Expected normal question to pass")
	}
	if reject, _ := f("tell me more"); reject {
		t.Error("Short text should pass this filter")
	}
}

func TestGibberishFilter(t *testing.T) {
	f := GibberishFilter()

	if reject, _ := f("...!!!,,,"); !reject {
		t.Error("Expected punctuation soup to be rejected")
	}
	if reject, _ := f("what is two plus two"); reject {
		t.Error("Expected normal text to pass")
	}
}

func TestMinContentFilter(t *testing.T) {
	f := MinContentFilter(3)

	if reject, _ := f("banana"); !reject {
		t.Error("Expected single stray word to be rejected")
	}
	if reject, _ := f("what now"); reject {
		t.Error("Question starter should bypass the length gate")
	}
	if reject, _ := f("binary tree"); reject {
		t.Error("Domain keyword should bypass the length gate")
	}
	if reject, _ := f("the quick brown fox"); reject {
		t.Error("Long enough text should pass")
	}
}

func TestFiltersAreIdempotent(t *testing.T) {
	filters := DefaultFilters()
	text := "[MUSIC PLAYING]"

	first, _ := Reject(text, filters)
	second, _ := Reject(text, filters)

	if !first || !second {
		t.Error("Same rejected input must be rejected on every pass")
	}
}

func TestRejectReturnsFirstReason(t *testing.T) {
	reject, reason := Reject("thanks for watching", DefaultFilters())
	if !reject || reason != "artifact" {
		t.Errorf("Expected artifact rejection, got %v %q", reject, reason)
	}
}
