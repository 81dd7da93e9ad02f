package protocol

import "github.com/danmuck/pulsectl/internal/executor"

// Wire values of the frame `type` field.
const (
	TypeConnectionInit      = "connection_init"
	TypeConnectionTerminate = "connection_terminate"
	TypeStart               = "start"
	TypeStop                = "stop"

	TypeConnectionAck   = "connection_ack"
	TypeConnectionError = "connection_error"
	TypeData            = "data"
	TypeError           = "error"
	TypeComplete        = "complete"
	TypeKeepAlive       = "ka"
)

// ClientMessage is one decoded client frame.
type ClientMessage interface{ clientMessage() }

// ConnectionInit opens the protocol handshake. Payload carries optional
// connection parameters such as an auth token; nil when the frame had none.
type ConnectionInit struct {
	Payload map[string]any
}

// ConnectionTerminate asks for connection teardown.
type ConnectionTerminate struct{}

// Start submits one operation under a client-chosen id.
type Start struct {
	ID      string
	Request Request
}

// Stop cancels the operation registered under ID.
type Stop struct {
	ID string
}

// ParseError reports a client frame the codec rejected. ID is empty when
// the frame carried none.
type ParseError struct {
	ID      string
	Message string
}

func (ConnectionInit) clientMessage()      {}
func (ConnectionTerminate) clientMessage() {}
func (Start) clientMessage()               {}
func (Stop) clientMessage()                {}
func (ParseError) clientMessage()          {}

// Request is one resolved operation: the raw query text, the plan compiled
// for it, and the variables bound against the plan's declarations.
type Request struct {
	Query     string
	Plan      *executor.Plan
	Variables map[string]any
}

// ServerMessage is one outgoing frame.
type ServerMessage interface{ serverMessage() }

type ConnectionAck struct{}

type ConnectionError struct {
	Message string
}

// Data carries one execution unit for an operation. A nil payload encodes
// as JSON null.
type Data struct {
	ID      string
	Payload any
}

// OperationError reports a per-operation failure (wire type "error"). ID is
// empty when the triggering frame carried none.
type OperationError struct {
	ID      string
	Message string
}

type Complete struct {
	ID string
}

type KeepAlive struct{}

func (ConnectionAck) serverMessage()   {}
func (ConnectionError) serverMessage() {}
func (Data) serverMessage()            {}
func (OperationError) serverMessage()  {}
func (Complete) serverMessage()        {}
func (KeepAlive) serverMessage()       {}

// ClientWireType returns the wire `type` for a decoded client message;
// ParseError maps to "invalid".
func ClientWireType(m ClientMessage) string {
	switch m.(type) {
	case ConnectionInit:
		return TypeConnectionInit
	case ConnectionTerminate:
		return TypeConnectionTerminate
	case Start:
		return TypeStart
	case Stop:
		return TypeStop
	default:
		return "invalid"
	}
}

// ServerWireType returns the wire `type` an outgoing message encodes to.
func ServerWireType(m ServerMessage) string {
	switch m.(type) {
	case ConnectionAck:
		return TypeConnectionAck
	case ConnectionError:
		return TypeConnectionError
	case Data:
		return TypeData
	case OperationError:
		return TypeError
	case Complete:
		return TypeComplete
	case KeepAlive:
		return TypeKeepAlive
	default:
		return "unknown"
	}
}
