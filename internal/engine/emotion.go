package engine

import "strings"

// Canonical emotion names carried on assistant segments. These are the only
// values that ever reach a client; anything else the model produces is
// normalised first.
const (
	EmotionNeutral    = "neutral"
	EmotionHappy      = "happy"
	EmotionExcited    = "excited"
	EmotionThoughtful = "thoughtful"
	EmotionCurious    = "curious"
	EmotionConfident  = "confident"
	EmotionConcerned  = "concerned"
	EmotionEmpathetic = "empathetic"
)

// canonicalEmotions is the closed set of emotion names the rest of the system
// understands.
var canonicalEmotions = map[string]struct{}{
	EmotionNeutral:    {},
	EmotionHappy:      {},
	EmotionExcited:    {},
	EmotionThoughtful: {},
	EmotionCurious:    {},
	EmotionConfident:  {},
	EmotionConcerned:  {},
	EmotionEmpathetic: {},
}

// emotionAliases maps common near-miss names models produce to their
// canonical equivalents.
var emotionAliases = map[string]string{
	"sad":          EmotionConcerned,
	"worried":      EmotionConcerned,
	"negative":     EmotionConcerned,
	"enthusiastic": EmotionExcited,
	"analytical":   EmotionThoughtful,
	"questioning":  EmotionCurious,
	"supportive":   EmotionEmpathetic,
	"caring":       EmotionEmpathetic,
	"positive":     EmotionHappy,
}

// NormaliseEmotion maps an arbitrary emotion string to a canonical emotion
// name. Matching is case-insensitive and ignores surrounding whitespace.
// Unrecognised names degrade to [EmotionNeutral].
func NormaliseEmotion(emotion string) string {
	e := strings.ToLower(strings.TrimSpace(emotion))
	if _, ok := canonicalEmotions[e]; ok {
		return e
	}
	if canon, ok := emotionAliases[e]; ok {
		return canon
	}
	return EmotionNeutral
}
