package recur

import (
	"encoding/json"
	"fmt"
)

// DetailsKind discriminates the two job payload variants.
type DetailsKind string

const (
	// DetailsLambda describes a serialized method invocation resolved by
	// the execution layer.
	DetailsLambda DetailsKind = "lambda"
	// DetailsRequest describes a self-contained job request handled by a
	// registered request handler.
	DetailsRequest DetailsKind = "request"
)

// LambdaDetails is a serialized method invocation descriptor.
type LambdaDetails struct {
	ClassName  string          `json:"class_name"`
	MethodName string          `json:"method_name"`
	Args       json.RawMessage `json:"args,omitempty"`
}

// RequestDetails is a self-contained job request descriptor.
type RequestDetails struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// JobDetails is the opaque work payload attached to recurring job
// definitions and job instances. The variant is chosen at construction
// time, so "exactly one of lambda or request" holds structurally instead
// of being checked on every use. The scheduling core never interprets the
// payload; it only stores and forwards it to the execution layer.
type JobDetails struct {
	Kind    DetailsKind     `json:"kind"`
	Lambda  *LambdaDetails  `json:"lambda,omitempty"`
	Request *RequestDetails `json:"request,omitempty"`
}

// NewLambdaDetails builds a lambda-variant payload.
func NewLambdaDetails(className, methodName string, args json.RawMessage) JobDetails {
	return JobDetails{
		Kind:   DetailsLambda,
		Lambda: &LambdaDetails{ClassName: className, MethodName: methodName, Args: args},
	}
}

// NewRequestDetails builds a request-variant payload.
func NewRequestDetails(requestType string, payload json.RawMessage) JobDetails {
	return JobDetails{
		Kind:    DetailsRequest,
		Request: &RequestDetails{Type: requestType, Payload: payload},
	}
}

// Validate checks that the variant tag matches the populated field.
// Payloads built through the constructors always pass; this guards data
// deserialized from the store or from external callers.
func (d JobDetails) Validate() error {
	switch d.Kind {
	case DetailsLambda:
		if d.Lambda == nil || d.Request != nil {
			return fmt.Errorf("%w: lambda details malformed", ErrInvalidArgument)
		}
	case DetailsRequest:
		if d.Request == nil || d.Lambda != nil {
			return fmt.Errorf("%w: request details malformed", ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%w: unknown details kind %q", ErrInvalidArgument, d.Kind)
	}
	return nil
}
