package bus

import "encoding/json"

// notificationEnvelope is the topic-notification wrapper shape: the inner
// payload travels JSON-encoded as a string inside the "Message" field,
// exactly as a topic notification arrives at a subscribed queue.
type notificationEnvelope struct {
	Message string `json:"Message"`
}

// wrapNotification wraps an already-marshaled inner payload in the
// topic-notification envelope, as Publish does for every fan-out delivery.
func wrapNotification(inner []byte) []byte {
	env := notificationEnvelope{Message: string(inner)}
	// Marshal error is impossible here — env is a trivial struct of strings.
	out, _ := json.Marshal(env)
	return out
}

// UnwrapEnvelope tolerantly extracts the inner payload bytes from a received
// message body. It handles both shapes a consumer may see on the wire: the
// topic-notification wrapper ({"Message": "<json>"}), and a raw inner JSON
// object delivered directly (e.g. injected by a test, or a producer that
// writes straight to a queue instead of through a topic). Any byte slice
// that is valid JSON but does not parse as the wrapper shape is returned
// unchanged as the raw body.
func UnwrapEnvelope(body []byte) []byte {
	var env notificationEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Message != "" {
		return []byte(env.Message)
	}
	return body
}
