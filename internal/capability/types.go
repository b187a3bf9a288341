package capability

import (
	"errors"
	"fmt"
	"maps"
	"sort"
)

// Status is the discriminant of a Response envelope.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Transport tags how a registered capability is reached.
type Transport string

const (
	TransportLocal Transport = "local"
	TransportHTTP  Transport = "http"
	TransportMCP   Transport = "mcp"
	TransportGRPC  Transport = "grpc"
)

func (t Transport) Valid() bool {
	switch t {
	case TransportLocal, TransportHTTP, TransportMCP, TransportGRPC:
		return true
	}
	return false
}

type Parameter struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type"`
	Description string `yaml:"description" json:"description"`
	Required    bool   `yaml:"required" json:"required"`
}

type Descriptor struct {
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description" json:"description"`
	Parameters  []Parameter `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

// Request names a capability and its arguments. It is immutable: the argument
// map is copied on construction and on every read.
type Request struct {
	name      string
	args      map[string]any
	sessionID string
}

func NewRequest(name string, args map[string]any, sessionID string) Request {
	return Request{name: name, args: maps.Clone(args), sessionID: sessionID}
}

func (r Request) Name() string      { return r.name }
func (r Request) SessionID() string { return r.sessionID }

// Arguments returns a copy of the argument map (never nil).
func (r Request) Arguments() map[string]any {
	if r.args == nil {
		return map[string]any{}
	}
	return maps.Clone(r.args)
}

func (r Request) Arg(key string) (any, bool) {
	v, ok := r.args[key]
	return v, ok
}

// ArgNames returns the argument keys in sorted order.
func (r Request) ArgNames() []string {
	names := make([]string, 0, len(r.args))
	for k := range r.args {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Response is the success/error envelope. Exactly one of Result and Message
// is populated. Kind is local bookkeeping and never goes on the wire.
type Response struct {
	Status  Status    `json:"status"`
	Result  any       `json:"result,omitempty"`
	Message string    `json:"message,omitempty"`
	Kind    ErrorKind `json:"-"`
}

func Success(result any) Response {
	if result == nil {
		result = map[string]any{}
	}
	return Response{Status: StatusSuccess, Result: result}
}

func Failure(kind ErrorKind, message string) Response {
	if message == "" {
		message = string(kind) + " error"
	}
	return Response{Status: StatusError, Message: message, Kind: kind}
}

func (r Response) OK() bool { return r.Status == StatusSuccess }

// Fields returns the result as a field map, or nil when the result is not an
// object.
func (r Response) Fields() map[string]any {
	if !r.OK() {
		return nil
	}
	m, ok := r.Result.(map[string]any)
	if !ok {
		return nil
	}
	return maps.Clone(m)
}

// Err returns the envelope's failure as an *Error, or nil on success.
func (r Response) Err() error {
	if r.OK() {
		return nil
	}
	kind := r.Kind
	if !kind.Valid() {
		kind = KindDomain
	}
	return &Error{Kind: kind, Message: r.Message}
}

var errMalformed = errors.New("malformed envelope")

// Validate checks the exactly-one rule.
func (r Response) Validate() error {
	switch r.Status {
	case StatusSuccess:
		if r.Result == nil {
			return fmt.Errorf("%w: success without result", errMalformed)
		}
		if r.Message != "" {
			return fmt.Errorf("%w: success carries a message", errMalformed)
		}
	case StatusError:
		if r.Message == "" {
			return fmt.Errorf("%w: error without message", errMalformed)
		}
		if r.Result != nil {
			return fmt.Errorf("%w: error carries a result", errMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown status %q", errMalformed, r.Status)
	}
	return nil
}
