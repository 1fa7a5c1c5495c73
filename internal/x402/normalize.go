package x402

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Normalize parses a facilitator request body into the canonical payment
// record. Validation proceeds in strict order: structural, cross-field
// tuple, then derivation. The first failure wins and is returned as a
// typed *Error.
func Normalize(req *VerifyRequest) (*NormalizedPaymentRequest, *Error) {
	if req == nil {
		return nil, NewError(ErrCodeInvalidPayload, "empty request")
	}
	if req.PaymentRequirements == nil {
		return nil, NewError(ErrCodeInvalidPayload, "paymentRequirements is required")
	}

	payload := req.PaymentPayload
	if payload == nil {
		if req.XPayment == "" {
			return nil, NewError(ErrCodeInvalidPayload, "paymentPayload or xPayment is required")
		}
		decoded, err := DecodeXPayment(req.XPayment)
		if err != nil {
			return nil, err
		}
		payload = decoded
	}

	// Structural validation. Everything the chain call will need must be
	// present before any other check runs.
	if err := validateStructure(payload); err != nil {
		return nil, err
	}

	// Cross-field tuple: the payload must declare the same rail and chain
	// as the requirement before any chain call is attempted.
	reqs := req.PaymentRequirements
	if payload.Scheme != reqs.Scheme {
		return nil, NewError(ErrCodeTupleMismatchScheme, "payload scheme does not match requirement").
			WithDetail("payload", payload.Scheme).
			WithDetail("requirement", reqs.Scheme)
	}
	if payload.Network != reqs.Network {
		return nil, NewError(ErrCodeTupleMismatchNetwork, "payload network does not match requirement").
			WithDetail("payload", payload.Network).
			WithDetail("requirement", reqs.Network)
	}

	inner := payload.Payload
	return &NormalizedPaymentRequest{
		Authorization: *inner.Authorization,
		Signature:     inner.Signature,
		SessionID:     normalizeSessionID(inner.SessionID),
		Metadata:      inner.Metadata,
		MetadataBytes: hex.EncodeToString([]byte(inner.Metadata)),

		Scheme:      payload.Scheme,
		Network:     payload.Network,
		X402Version: payload.X402Version,

		Asset:             reqs.Asset,
		PayTo:             reqs.PayTo,
		MaxAmountRequired: reqs.MaxAmountRequired,
		PaymentRequestID:  reqs.PaymentRequestID,
	}, nil
}

// DecodeXPayment decodes the compact evidence form. The value may be raw
// JSON, standard base64 JSON, or URL-safe base64 JSON; decodings are tried
// in that order and the first that yields a JSON object wins.
func DecodeXPayment(value string) (*PaymentPayload, *Error) {
	candidates := make([][]byte, 0, 3)
	candidates = append(candidates, []byte(value))
	if b, err := base64.StdEncoding.DecodeString(value); err == nil {
		candidates = append(candidates, b)
	}
	if b, err := base64.URLEncoding.DecodeString(value); err == nil {
		candidates = append(candidates, b)
	}

	for _, raw := range candidates {
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			continue
		}
		var payload PaymentPayload
		if err := json.Unmarshal(trimmed, &payload); err != nil {
			continue
		}
		return &payload, nil
	}

	return nil, NewError(ErrCodeInvalidPayload, "xPayment is not JSON, base64 JSON, or base64url JSON")
}

// validateStructure checks that the authorization tuple is complete, a
// signature is present, and the session id is 32-byte hex. Any gap is
// reported as missing_authorization.
func validateStructure(payload *PaymentPayload) *Error {
	inner := payload.Payload
	auth := inner.Authorization
	if auth == nil {
		return NewError(ErrCodeMissingAuthorization, "payload is missing authorization")
	}

	fields := map[string]string{
		"from":        auth.From,
		"to":          auth.To,
		"token":       auth.Token,
		"value":       auth.Value,
		"validAfter":  auth.ValidAfter,
		"validBefore": auth.ValidBefore,
		"nonce":       auth.Nonce,
	}
	for _, name := range []string{"from", "to", "token", "value", "validAfter", "validBefore", "nonce"} {
		if fields[name] == "" {
			return NewError(ErrCodeMissingAuthorization, "authorization is incomplete").
				WithDetail("field", name)
		}
	}

	if inner.Signature == "" {
		return NewError(ErrCodeMissingAuthorization, "payload is missing signature").
			WithDetail("field", "signature")
	}
	if !isSessionID(inner.SessionID) {
		return NewError(ErrCodeMissingAuthorization, "sessionId must be 32-byte hex").
			WithDetail("field", "sessionId")
	}
	return nil
}

// isSessionID reports whether s is 32 bytes of hex, with or without a 0x
// prefix.
func isSessionID(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// normalizeSessionID strips any 0x prefix and lowercases, so one logical
// session id always canonicalizes to the same string.
func normalizeSessionID(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, "0x"))
}
