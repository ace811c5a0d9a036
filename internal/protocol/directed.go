package protocol

import "strings"

// ParseDirected splits chat text of the form "@user rest" into the target
// user and the message. Text without a leading "@", without a space after
// the name, or with an empty name is not directed.
func ParseDirected(text string) (target, rest string, ok bool) {
	if !strings.HasPrefix(text, "@") {
		return "", "", false
	}
	i := strings.IndexByte(text, ' ')
	if i <= 1 {
		return "", "", false
	}
	return text[1:i], text[i+1:], true
}

// ServerName is the sender name of messages and files from the server operator.
const ServerName = "server"

// Tags that open routed TEXT payloads.
const (
	privateTag       = "[private from "
	serverTag        = "[" + ServerName + "]: "
	serverPrivateTag = "[" + ServerName + " private]: "
)

// PrivateText formats a private message from one user as the recipient sees it.
func PrivateText(from, text string) string {
	return privateTag + from + "]: " + text
}

// ServerText formats an operator broadcast.
func ServerText(text string) string {
	return serverTag + text
}

// ServerPrivateText formats an operator message to one user.
func ServerPrivateText(text string) string {
	return serverPrivateTag + text
}

// IsPrivate reports whether a TEXT payload was addressed to its recipient only.
func IsPrivate(text string) bool {
	return strings.HasPrefix(text, privateTag) || strings.HasPrefix(text, serverPrivateTag)
}
