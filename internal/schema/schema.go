// Package schema defines the request/response envelope shared by the binary
// protocol and the HTTP surface, and validates requests against a small
// per-verb parameter contract.
package schema

import "fmt"

// Verb identifies a session operation.
type Verb string

const (
	VerbCreate  Verb = "CREATE"
	VerbDestroy Verb = "DESTROY"
	VerbStat    Verb = "STAT"
)

// Canonical response messages. Clients match on these strings, so they must
// never be altered.
const (
	MessageOK             = "OK"
	MessageBadAuth        = "Bad authentication"
	MessageBadRequest     = "Bad request"
	MessageRefusedRequest = "Refused request"
	MessageUnavailable    = "Unavailable"
	MessageUnspecified    = "Unspecified"
	MessageInternalError  = "Internal error"
)

// Request is a decoded, not-yet-validated client request.
type Request struct {
	Verb       Verb
	Parameters map[string]any
}

// requiredParameters lists the parameters each verb must carry.
var requiredParameters = map[Verb][]string{
	VerbCreate:  nil,
	VerbDestroy: {"container_uuid", "client_token"},
	VerbStat:    nil,
}

// VerifyRequest validates a raw verb/parameter pair and returns a Request,
// or the list of missing/invalid parameter names.
func VerifyRequest(verb string, parameters map[string]any) (Request, []string, error) {
	v := Verb(verb)
	required, known := requiredParameters[v]
	if !known {
		return Request{}, nil, fmt.Errorf("schema: unknown verb %q", verb)
	}

	if parameters == nil {
		parameters = map[string]any{}
	}

	var missing []string
	for _, name := range required {
		val, ok := parameters[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		if s, isStr := val.(string); !isStr || s == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Request{}, missing, nil
	}

	return Request{Verb: v, Parameters: parameters}, nil, nil
}

// Response is the canonical envelope returned by both transports.
type Response struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
	Reason  string         `json:"reason,omitempty"`
}

var validMessages = map[string]bool{
	MessageOK:             true,
	MessageBadAuth:        true,
	MessageBadRequest:     true,
	MessageRefusedRequest: true,
	MessageUnavailable:    true,
	MessageUnspecified:    true,
	MessageInternalError:  true,
}

// MakeResponse validates and constructs a canonical response. An error is
// returned only if message is not one of the fixed canonical strings.
func MakeResponse(success bool, message string, data map[string]any, reason string) (Response, error) {
	if !validMessages[message] {
		return Response{}, fmt.Errorf("schema: %q is not a canonical response message", message)
	}
	if data == nil {
		data = map[string]any{}
	}
	return Response{Success: success, Message: message, Data: data, Reason: reason}, nil
}
