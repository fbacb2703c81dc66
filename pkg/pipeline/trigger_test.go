package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchesTrigger(t *testing.T) {
	trig := TriggerContext{
		TriggerLastUserMessage: "What's the WEATHER like today?",
		TriggerLastAIMessage:   "I can check the forecast.",
	}

	tests := []struct {
		name    string
		pattern string
		want    bool
	}{
		{"empty pattern always matches", "", true},
		{"wildcard always matches", "*", true},
		{"regex case-insensitive", "weather", true},
		{"regex alternation", "rain|weather|snow", true},
		{"regex no match", "stocks?", false},
		{"matches AI message too", "forecast", true},
		{"anchored regex", "^what", true},
		{"invalid regex with pipe falls back to substring OR", "weather|a(b", true},
		{"invalid regex without match", "a(b|x)z|zzz(", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchesTrigger(tt.pattern, trig))
		})
	}
}

func TestMatchesTrigger_EmptyContext(t *testing.T) {
	assert.True(t, matchesTrigger("", TriggerContext{}))
	assert.False(t, matchesTrigger("anything", TriggerContext{}))
}
