package types

import "strings"

// Role represents the role of a message participant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a conversation message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// IsConversational 报告消息是否为可进入历史的 user/assistant 消息且内容非空。
func (m Message) IsConversational() bool {
	if m.Role != RoleUser && m.Role != RoleAssistant {
		return false
	}
	return strings.TrimSpace(m.Content) != ""
}

// TextChunk 流式文本片段。Err 非空时为最后一个片段，表示流被截断。
type TextChunk struct {
	Text string
	Err  error
}

// AudioChunk 流式音频片段，按接收顺序原样传递。
type AudioChunk struct {
	Data []byte
	Err  error
}
