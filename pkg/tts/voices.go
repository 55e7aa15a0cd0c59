package tts

// Voices maps the voice names chosen during reasoning to ElevenLabs voice IDs.
var Voices = map[string]string{
	"female_01": "21m00Tcm4TlvDq8ikWAM", // calm
	"female_02": "9BWtsMINqrJLrRacOk9x", // expressive
	"male_01":   "pNInz6obpgDQGcFmaJgB", // deep
}

// DefaultVoice is used when a reply names no voice.
const DefaultVoice = "female_01"

// ResolveVoice returns the voice ID for a voice name, or name unchanged if
// it is already a provider ID.
func ResolveVoice(name string) string {
	if name == "" {
		name = DefaultVoice
	}
	if id, ok := Voices[name]; ok {
		return id
	}
	return name
}
