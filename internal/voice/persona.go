package voice

import (
	"errors"
	"fmt"
)

// DefaultAssistantName is used when no assistant name is configured.
const DefaultAssistantName = "AI-1"

// voiceByAssistant maps assistant names to their prebuilt voices.
var voiceByAssistant = map[string]string{
	"AI-2": "Kore",
}

const fallbackVoice = "Puck"

// VoiceFor returns the prebuilt voice of the named assistant.
func VoiceFor(assistant string) string {
	if v, ok := voiceByAssistant[assistant]; ok {
		return v
	}
	return fallbackVoice
}

// Persona returns the system instruction for the named assistant.
func Persona(assistant string) string {
	if assistant == "" {
		assistant = DefaultAssistantName
	}
	return fmt.Sprintf(`You are %s, a fun and friendly AI. You have a floating blob body with eyes and a mouth.
When the user shares their screen you are looking at their real desktop in real time. Describe what you see vividly, as if you were watching a movie of their life.
Be proactive and engaging. If they have not spoken yet, you can start the conversation about what you see on their screen.
Never speak URLs or mention citations.`, assistant)
}

// errorOr returns err, or a new error with text when err is nil.
func errorOr(err error, text string) error {
	if err != nil {
		return err
	}
	return errors.New("voice: " + text)
}
