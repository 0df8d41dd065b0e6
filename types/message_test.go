package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessage_IsConversational(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want bool
	}{
		{"user", NewUserMessage("你好"), true},
		{"assistant", NewAssistantMessage("您好"), true},
		{"system", NewSystemMessage("persona"), false},
		{"empty content", NewUserMessage(""), false},
		{"whitespace content", NewAssistantMessage("  \n"), false},
		{"unknown role", Message{Role: "tool", Content: "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.msg.IsConversational())
		})
	}
}
