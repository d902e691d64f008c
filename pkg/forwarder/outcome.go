// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package forwarder

import (
	"fmt"
	"net/http"
)

// Kind classifies the result of one delivery attempt.
type Kind int

const (
	Delivered Kind = iota
	Rejected
	GatewayUnavailable
)

func (k Kind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case Rejected:
		return "rejected"
	case GatewayUnavailable:
		return "gateway_unavailable"
	default:
		return "unknown"
	}
}

// Rejection reasons.
const (
	ReasonBadPayload  = "bad payload"
	ReasonAuth        = "auth"
	ReasonClientError = "client error"
	ReasonCircuitOpen = "circuit open"
	ReasonRedirect    = "redirect"
)

// Outcome is the result of one Forward call.
type Outcome struct {
	Kind Kind

	// Reason qualifies Rejected and, for an open circuit or a redirect,
	// GatewayUnavailable.
	Reason string

	// StatusCode is the gateway HTTP status, zero when no response arrived.
	StatusCode int

	// Timeout is set when the call hit its deadline.
	Timeout bool

	// Err holds the transport or gateway error, if any.
	Err error
}

// Delivered reports whether the gateway accepted the event.
func (o Outcome) Delivered() bool {
	return o.Kind == Delivered
}

func (o Outcome) String() string {
	switch {
	case o.Kind == Rejected && o.Reason == ReasonClientError:
		return fmt.Sprintf("%s(%s, %d)", o.Kind, o.Reason, o.StatusCode)
	case o.Reason != "":
		return fmt.Sprintf("%s(%s)", o.Kind, o.Reason)
	case o.Timeout:
		return fmt.Sprintf("%s(timeout)", o.Kind)
	default:
		return o.Kind.String()
	}
}

// Classify maps a gateway status code to an Outcome.
func Classify(code int) Outcome {
	out := Outcome{StatusCode: code}
	switch {
	case code >= 200 && code < 300:
		out.Kind = Delivered
	case code >= 300 && code < 400:
		// Redirects are not followed. The event was not stored, and the
		// API key must not leave for another host.
		out.Kind, out.Reason = GatewayUnavailable, ReasonRedirect
	case code == http.StatusBadRequest:
		out.Kind, out.Reason = Rejected, ReasonBadPayload
	case code == http.StatusForbidden:
		out.Kind, out.Reason = Rejected, ReasonAuth
	case code >= 400 && code < 500:
		out.Kind, out.Reason = Rejected, ReasonClientError
	default:
		// 5xx and anything the gateway contract does not define.
		out.Kind = GatewayUnavailable
	}
	return out
}
