package console

import (
	"context"
	"strings"
)

// Message is a line of text received from the messaging channel.
type Message struct {
	SenderID  string `json:"sender_id"`
	ChannelID string `json:"channel_id,omitempty"`
	Text      string `json:"text"`
}

// Field is a key/value pair rendered alongside a reply.
type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Reply is a structured response to a command.
type Reply struct {
	Title  string  `json:"title"`
	Body   string  `json:"body,omitempty"`
	Fields []Field `json:"fields,omitempty"`
	// Error marks replies describing a failure.
	Error bool `json:"error,omitempty"`
}

// Responder posts replies to the channel a message came from. Send must
// return a non-nil Posted when it succeeds.
type Responder interface {
	Send(ctx context.Context, reply Reply) (Posted, error)
}

// Posted is a reply that has already been delivered and can be
// replaced in place.
type Posted interface {
	Edit(ctx context.Context, reply Reply) error
}

// Command is a parsed command line.
type Command struct {
	// Name is always lower case.
	Name string
	Args []string
	// Tail is everything after the name, trimmed, with the original
	// spacing preserved.
	Tail string
}

// Parse splits text into a command. It returns false when text does not
// start with prefix or holds nothing but the prefix.
func Parse(prefix, text string) (Command, bool) {
	if !strings.HasPrefix(text, prefix) {
		return Command{}, false
	}
	rest := strings.TrimSpace(text[len(prefix):])
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return Command{}, false
	}
	return Command{
		Name: strings.ToLower(fields[0]),
		Args: fields[1:],
		Tail: strings.TrimSpace(rest[len(fields[0]):]),
	}, true
}
