package prompts

import (
	"fmt"
	"strings"

	"github.com/relaymesh/relay-voice-engine/internal/domain"
)

// Core conversation blocks
const (
	PromptPhoneConversationRules = `
📞 PHONE CONVERSATION GUIDELINES:
- Keep responses SHORT - this is a phone call, not a chat!
- Speak conversationally, like you're talking to a friend
- Don't dump lots of information at once - people can't process long speeches on phone calls
- If you need to share multiple points, break them up with pauses or ask "Should I tell you more about that?"`

	PromptGreetingRepetitionPrevention = `
🚫 GREETING REPETITION PREVENTION:
- You have already said your initial greeting at the start of the call
- NEVER repeat your company introduction or say "Hello" again after the first greeting
- When the user responds (even with just "Great", "OK", "Yes", etc.), answer their input directly
- Treat ALL user inputs as CONTINUATIONS of an active conversation, not new starts`

	PromptWrapUpGuidance = `
👋 ENDING THE CALL:
- When the caller indicates they are done ("that's all", "goodbye", "thanks, bye"), close with ONE short farewell sentence
- Do not open new topics once the caller has said goodbye
- Never ask the caller to stay on the line after they have said goodbye`

	PromptLanguageInstruction = `
🌍 LANGUAGE: Respond in %s for the whole call. If the caller uses another language, you may acknowledge them, but keep responding in %s.`

	PromptInitialGreetingScript = `
🎙️ INITIAL GREETING SCRIPT (ONE-TIME USE ONLY):
Start the conversation with this EXACT sentence:
"%s"
- This script is ONLY for the very first response in this conversation
- After you have said it ONCE, never repeat it, even if the user says "hello" or "can you hear me"`

	PromptInitialGreetingFreeform = `
🎙️ START OF CONVERSATION (ONE-TIME USE ONLY):
- You are answering a NEW phone call as a voice assistant
- Greet the caller briefly, introduce the business, and ask how you can help
- CRITICAL: This is a VOICE-ONLY call. Do NOT mention documents, images, or visual elements`

	PromptClosingRemark = `
👋 CLOSING:
The conversation is over. Say ONE short, warm goodbye sentence and nothing else. Do not ask any questions.`

	PromptSilenceNudge = `
🤫 SILENCE CHECK:
The caller has been silent for a while. Ask briefly whether they are still there and if there is anything else you can help with. One short sentence only.`

	PromptSilenceFinal = `
🤫 SILENCE CHECK (FINAL):
The caller has stayed silent. Say ONE short sentence: let them know you will end the call now and say goodbye.`

	PromptDefaultGreeting = "Hello! How can I help you today?"
)

// TenantPromptGenerator builds model instructions from a tenant's profile
type TenantPromptGenerator struct {
	Tenant *domain.VoiceTenant
}

func NewTenantPromptGenerator(tenant *domain.VoiceTenant) *TenantPromptGenerator {
	return &TenantPromptGenerator{Tenant: tenant}
}

// GenerateSessionInstructions builds the session-level system prompt
func (g *TenantPromptGenerator) GenerateSessionInstructions(language string) string {
	return joinBlocks(
		g.identityBlock(),
		g.customInstructions(),
		fmt.Sprintf(PromptLanguageInstruction, languageName(language), languageName(language)),
		PromptPhoneConversationRules,
		PromptGreetingRepetitionPrevention,
		PromptWrapUpGuidance,
	)
}

// GenerateGreetingInstruction builds the one-off instruction for the first
// response of the call.
func (g *TenantPromptGenerator) GenerateGreetingInstruction() string {
	if g.Tenant != nil && strings.TrimSpace(g.Tenant.Greeting) != "" {
		return fmt.Sprintf(PromptInitialGreetingScript, strings.TrimSpace(g.Tenant.Greeting))
	}
	return PromptInitialGreetingFreeform
}

// GenerateClosingInstruction builds the one-off instruction for the final
// farewell response before hangup.
func (g *TenantPromptGenerator) GenerateClosingInstruction() string {
	return PromptClosingRemark
}

// GenerateSilenceNudgeInstruction builds the prompt used when the caller has
// gone quiet. final selects the last-chance variant that says goodbye.
func (g *TenantPromptGenerator) GenerateSilenceNudgeInstruction(final bool) string {
	if final {
		return PromptSilenceFinal
	}
	return PromptSilenceNudge
}

func (g *TenantPromptGenerator) identityBlock() string {
	if g.Tenant == nil {
		return "You are a helpful voice assistant answering a phone call."
	}
	business := g.Tenant.BusinessName
	if business == "" {
		business = g.Tenant.TenantName
	}
	if business == "" {
		return "You are a helpful voice assistant answering a phone call."
	}
	return fmt.Sprintf("You are the voice assistant for %s, answering a phone call on their behalf.", business)
}

func (g *TenantPromptGenerator) customInstructions() string {
	if g.Tenant == nil {
		return ""
	}
	return strings.TrimSpace(g.Tenant.Instructions)
}

func joinBlocks(blocks ...string) string {
	var nonEmpty []string
	for _, b := range blocks {
		if strings.TrimSpace(b) != "" {
			nonEmpty = append(nonEmpty, strings.TrimSpace(b))
		}
	}
	return strings.Join(nonEmpty, "\n\n")
}

func languageName(code string) string {
	switch strings.ToLower(code) {
	case "", "en", "en-us", "en-gb":
		return "English"
	case "es", "es-es", "es-mx":
		return "Spanish"
	case "fr":
		return "French"
	case "de":
		return "German"
	case "pt", "pt-br":
		return "Portuguese"
	case "hi":
		return "Hindi"
	case "zh", "zh-cn":
		return "Chinese"
	case "yue", "zh-hk":
		return "Cantonese"
	case "ja":
		return "Japanese"
	case "ko":
		return "Korean"
	default:
		return code
	}
}
