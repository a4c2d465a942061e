package prompts

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relaymesh/relay-voice-engine/internal/domain"
)

func TestGenerateSessionInstructions(t *testing.T) {
	gen := NewTenantPromptGenerator(&domain.VoiceTenant{
		TenantID:     "tenant_a",
		TenantName:   "Tenant A",
		BusinessName: "Acme Dental",
		Instructions: "Offer appointments on weekdays only.",
	})

	prompt := gen.GenerateSessionInstructions("es")

	assert.Contains(t, prompt, "Acme Dental")
	assert.Contains(t, prompt, "Offer appointments on weekdays only.")
	assert.Contains(t, prompt, "Spanish")
	assert.Contains(t, prompt, "PHONE CONVERSATION GUIDELINES")
	assert.Contains(t, prompt, "GREETING REPETITION PREVENTION")
}

func TestGenerateSessionInstructionsFallsBackToTenantName(t *testing.T) {
	gen := NewTenantPromptGenerator(&domain.VoiceTenant{
		TenantID:   "tenant_a",
		TenantName: "Tenant A",
	})
	assert.Contains(t, gen.GenerateSessionInstructions("en"), "Tenant A")
}

func TestGenerateSessionInstructionsNilTenant(t *testing.T) {
	gen := NewTenantPromptGenerator(nil)
	prompt := gen.GenerateSessionInstructions("en")
	assert.Contains(t, prompt, "helpful voice assistant")
	assert.Contains(t, prompt, "English")
}

func TestGenerateGreetingInstruction(t *testing.T) {
	scripted := NewTenantPromptGenerator(&domain.VoiceTenant{
		Greeting: "Thank you for calling Acme Dental, how can I help?",
	})
	assert.Contains(t, scripted.GenerateGreetingInstruction(), "Thank you for calling Acme Dental")

	freeform := NewTenantPromptGenerator(&domain.VoiceTenant{})
	assert.Contains(t, freeform.GenerateGreetingInstruction(), "START OF CONVERSATION")
}

func TestGenerateSilenceNudgeInstruction(t *testing.T) {
	gen := NewTenantPromptGenerator(nil)
	assert.Equal(t, PromptSilenceNudge, gen.GenerateSilenceNudgeInstruction(false))
	assert.Equal(t, PromptSilenceFinal, gen.GenerateSilenceNudgeInstruction(true))
	assert.NotEqual(t, gen.GenerateSilenceNudgeInstruction(false), gen.GenerateSilenceNudgeInstruction(true))
}

func TestLanguageName(t *testing.T) {
	assert.Equal(t, "English", languageName(""))
	assert.Equal(t, "English", languageName("en-US"))
	assert.Equal(t, "Cantonese", languageName("zh-HK"))
	assert.Equal(t, "tlh", languageName("tlh"))
}
