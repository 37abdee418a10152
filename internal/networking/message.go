package networking

import (
	"fmt"
	"time"
)

// SelfName is the sender name attached to messages produced by this process.
const SelfName = "Me"

// MessageKind is the one-byte tag carried at the start of every frame.
type MessageKind uint8

const (
	KindText       MessageKind = 0
	KindNameChange MessageKind = 1
	KindEncryption MessageKind = 2 // reserved, not implemented
	KindError      MessageKind = 3
)

// ParseKind maps a wire tag onto a MessageKind. Unknown tags are rejected.
func ParseKind(tag byte) (MessageKind, error) {
	switch MessageKind(tag) {
	case KindText, KindNameChange, KindEncryption, KindError:
		return MessageKind(tag), nil
	}
	return 0, &UnknownKindError{Tag: tag}
}

func (k MessageKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindNameChange:
		return "name_change"
	case KindEncryption:
		return "encryption"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Origin says which side of the connection produced a message.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginLocal {
		return "local"
	}
	return "remote"
}

// Message is a single entry in a connection's history. Values are never
// modified after they are appended.
type Message struct {
	Time       time.Time
	Origin     Origin
	SenderName string
	Kind       MessageKind
	Content    string
}

// IsLocal reports whether the message was sent by this process.
func (m Message) IsLocal() bool {
	return m.Origin == OriginLocal
}

func newMessage(origin Origin, sender string, kind MessageKind, content string) Message {
	return Message{
		Time:       time.Now(),
		Origin:     origin,
		SenderName: sender,
		Kind:       kind,
		Content:    content,
	}
}
