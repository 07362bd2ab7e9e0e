package types

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// Nonce correlates a query with its responses. It is unique among the
// outstanding queries of one channel.
type Nonce string

// Method selects a handler on the receiving side
type Method string

// Reserved methods. These are routed internally and can never be bound to a handler.
const (
	MethodResponse       Method = "response"
	MethodResponseUpdate Method = "responseUpdate"
	MethodQueryUpdate    Method = "queryUpdate"
)

// Well-known methods shared by the kernel, modules and relays.
const (
	MethodPresentSeed         Method = "presentSeed"
	MethodNoOp                Method = "noOp"
	MethodReady               Method = "ready"
	MethodLog                 Method = "log"
	MethodVersion             Method = "version"
	MethodModuleCall          Method = "moduleCall"
	MethodGetModuleOverrides  Method = "getModuleOverrides"
	MethodSetModuleOverrides  Method = "setModuleOverrides"
	MethodKernelBridgeVersion Method = "kernelBridgeVersion"
	MethodKernelAuthStatus    Method = "kernelAuthStatus"
)

var (
	ErrMissingMethod = errors.New("received message with no method")
	ErrMissingNonce  = errors.New("received message with no nonce")
)

// IsReserved reports whether the method is handled by the routing layer itself.
func (m Method) IsReserved() bool {
	switch m {
	case MethodResponse, MethodResponseUpdate, MethodQueryUpdate:
		return true
	}
	return false
}

// IsPrivileged reports whether only the kernel may send this method to a module.
func (m Method) IsPrivileged() bool {
	return m.IsReserved() || m == MethodPresentSeed || m == MethodReady
}

func (m Method) String() string { return string(m) }

// Envelope is the unit of transport between contexts.
//
// On the wire err is always present: a string for a failure and null
// otherwise, so a success response reads {"err": null}.
type Envelope struct {
	Nonce  Nonce
	Method Method
	Data   any
	Err    string

	// Domain identifies the original caller. It is stamped by the kernel
	// and by the background relay, never trusted from pages.
	Domain string
}

type wireEnvelope struct {
	Nonce  Nonce   `json:"nonce"`
	Method Method  `json:"method"`
	Data   any     `json:"data"`
	Err    *string `json:"err"`
	Domain string  `json:"domain,omitempty"`
}

// MarshalJSON encodes the envelope with an explicit null err on success.
func (e Envelope) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{Nonce: e.Nonce, Method: e.Method, Data: e.Data, Domain: e.Domain}
	if e.Err != "" {
		msg := e.Err
		w.Err = &msg
	}
	return sonic.Marshal(w)
}

// UnmarshalJSON decodes a wire envelope. A null or missing err reads as
// success; an empty err string on a response is still a failure.
func (e *Envelope) UnmarshalJSON(raw []byte) error {
	var w wireEnvelope
	if err := sonic.Unmarshal(raw, &w); err != nil {
		return err
	}
	*e = Envelope{Nonce: w.Nonce, Method: w.Method, Data: w.Data, Domain: w.Domain}
	if w.Err != nil {
		e.Err = *w.Err
		if e.Err == "" && e.IsTerminal() {
			e.Err = "unknown error"
		}
	}
	return nil
}

// IsTerminal reports whether the envelope closes out a query.
func (e Envelope) IsTerminal() bool {
	return e.Method == MethodResponse
}

// Failed reports whether a terminal envelope carries an error.
func (e Envelope) Failed() bool {
	return e.Err != ""
}

// Validate checks the fields every routable envelope must carry.
// Notification methods may omit the nonce; callers pass requireNonce=false for those.
func (e Envelope) Validate(requireNonce bool) error {
	if e.Method == "" {
		return ErrMissingMethod
	}
	if requireNonce && e.Nonce == "" {
		return ErrMissingNonce
	}
	return nil
}

// Respond builds a success response for the envelope's nonce.
func (e Envelope) Respond(data any) Envelope {
	return Envelope{Nonce: e.Nonce, Method: MethodResponse, Data: data}
}

// RespondErr builds a terminal error response for the envelope's nonce.
func (e Envelope) RespondErr(msg string) Envelope {
	if msg == "" {
		msg = "unknown error"
	}
	return Envelope{Nonce: e.Nonce, Method: MethodResponse, Err: msg}
}

// Update builds a progress update for the envelope's nonce.
func (e Envelope) Update(data any) Envelope {
	return Envelope{Nonce: e.Nonce, Method: MethodResponseUpdate, Data: data}
}

func (e Envelope) String() string {
	if e.Err != "" {
		return fmt.Sprintf("%s[%s] err=%q", e.Method, e.Nonce, e.Err)
	}
	return fmt.Sprintf("%s[%s]", e.Method, e.Nonce)
}

// ModuleCallData is the payload of a moduleCall query.
type ModuleCallData struct {
	Module string `json:"module"`
	Method Method `json:"method"`
	Data   any    `json:"data"`
}

// PresentSeedData is the payload of the one-time presentSeed query.
type PresentSeedData struct {
	Seed []byte `json:"seed"`
}

// ReadyData is sent by a module once it can accept queries.
type ReadyData struct {
	WantSeed bool `json:"wantSeed"`
}

// LogData is the payload of a module log notification.
type LogData struct {
	Message string `json:"message"`
	IsErr   bool   `json:"isErr"`
}

// Kernel load states reported in KernelStatus. Any other value is the error
// that stopped the kernel from loading.
const (
	KernelLoadPending = "not yet"
	KernelLoadSuccess = "success"
)

// KernelStatus is the payload of the kernelAuthStatus notification relays
// send to every downstream once the kernel's load outcome is known.
type KernelStatus struct {
	KernelLoaded string `json:"kernelLoaded"`
}

// Loaded reports whether the kernel finished loading without error.
func (s KernelStatus) Loaded() bool { return s.KernelLoaded == KernelLoadSuccess }

// VersionData describes a kernel or bridge build.
type VersionData struct {
	Distribution string `json:"distribution,omitempty"`
	Version      string `json:"version"`
}
