package call

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relaymesh/relay-voice-engine/internal/config"
	"github.com/relaymesh/relay-voice-engine/internal/domain"
)

func TestMatchGoodbye(t *testing.T) {
	tests := []struct {
		name       string
		transcript string
		extra      []string
		want       bool
	}{
		{name: "plain goodbye", transcript: "Goodbye!", want: true},
		{name: "embedded in sentence", transcript: "Okay, goodbye then, thanks for your help!", want: true},
		{name: "bare bye", transcript: "bye", want: true},
		{name: "bare bye with punctuation", transcript: "Bye!", want: true},
		{name: "bye bye", transcript: "bye bye now", want: true},
		{name: "have a great day", transcript: "Thanks for calling, have a great day.", want: true},
		{name: "bye inside a word does not fire", transcript: "I want to buy a ticket", want: false},
		{name: "maybe is not a farewell", transcript: "maybe later", want: false},
		{name: "ordinary sentence", transcript: "What are your opening hours?", want: false},
		{name: "spanish", transcript: "bueno, adiós", want: true},
		{name: "chinese", transcript: "好的，再見", want: true},
		{name: "japanese", transcript: "さようなら", want: true},
		{name: "empty", transcript: "", want: false},
		{name: "whitespace only", transcript: "   ", want: false},
		{name: "extra phrase", transcript: "hasta pronto amigo", extra: []string{"hasta pronto"}, want: true},
		{name: "extra phrase case insensitive", transcript: "CATCH YOU LATER", extra: []string{"catch you later"}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchGoodbye(tt.transcript, tt.extra))
		})
	}
}

func TestGoodbyeExtrasMergesTenantPhrases(t *testing.T) {
	r := &CallRuntime{
		cfg: &config.EngineConfig{GoodbyePhrases: []string{"that is all"}},
		Tenant: &domain.VoiceTenant{
			TenantID: "tenant_a",
			CustomConfig: domain.JSONB{
				"goodbye_phrases": []interface{}{"cheerio", 42, "ta ta"},
			},
		},
	}

	extras := r.goodbyeExtras()
	assert.Contains(t, extras, "that is all")
	assert.Contains(t, extras, "cheerio")
	assert.Contains(t, extras, "ta ta")
	assert.Len(t, extras, 3)

	assert.True(t, r.isGoodbye("okay cheerio!"))
	assert.True(t, r.isGoodbye("I think that is all for today"))
	assert.False(t, r.isGoodbye("one more question"))
}

func TestGoodbyeExtrasWithoutTenantConfig(t *testing.T) {
	r := &CallRuntime{
		cfg:    &config.EngineConfig{},
		Tenant: &domain.VoiceTenant{TenantID: "tenant_a"},
	}
	assert.Empty(t, r.goodbyeExtras())
	assert.True(t, r.isGoodbye("goodbye"))
}
