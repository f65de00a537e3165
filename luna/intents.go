package luna

import (
	"math/rand"
	"strings"
)

// intentRule maps a set of trigger keywords to an intent label.
// Rules are checked in order; the first match wins.
type intentRule struct {
	label    string
	keywords []string
}

var defaultIntentRules = []intentRule{
	{
		label:    "image",
		keywords: []string{"draw", "picture of", "selfie", "show me"},
	},
	{
		label:    "greeting",
		keywords: []string{"hello", "hi luna", "hey luna", "good morning", "good night"},
	},
	{
		label:    "love",
		keywords: []string{"love you", "i love", "miss you", "thinking of you"},
	},
	{
		label:    "flirty",
		keywords: []string{"cute", "beautiful", "pretty", "date", "kiss"},
	},
	{
		label:    "sad",
		keywords: []string{"sad", "lonely", "depressed", "crying", "tired of"},
	},
	{
		label:    "question",
		keywords: []string{"what do you", "how do you", "why do you", "do you think"},
	},
}

// detectIntent returns the label of the first rule with a keyword
// present in the message, or an empty string if nothing matches.
func detectIntent(message string) string {
	lowered := strings.ToLower(message)
	for _, rule := range defaultIntentRules {
		for _, keyword := range rule.keywords {
			if strings.Contains(lowered, keyword) {
				return rule.label
			}
		}
	}
	return ""
}

// isImageRequest reports whether the message should be routed to the
// image endpoint rather than the text endpoint.
func isImageRequest(message string) bool {
	return detectIntent(message) == "image"
}

var exhaustedResponses = []string{
	"I've been talking so much today that I need a little break... give me a few minutes?",
	"my thoughts are all jumbled right now, can you ask me again soon?",
	"I need a moment to catch my breath! be right back",
}

var imageFailureResponses = []string{
	"I tried to take a picture but my camera's acting up... maybe later?",
	"ugh, the photo came out all blurry. let me try again in a bit!",
}

// cannedExhaustedResponse is the user-visible soft failure for
// credential exhaustion. Never surfaced as an error.
func cannedExhaustedResponse() string {
	return exhaustedResponses[rand.Intn(len(exhaustedResponses))]
}

func cannedImageFailureResponse() string {
	return imageFailureResponses[rand.Intn(len(imageFailureResponses))]
}
