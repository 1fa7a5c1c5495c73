// Package x402 implements the x402 payment protocol wire types and the
// payload normalizer that turns untrusted, multiply-encoded payment
// evidence into one canonical record.
package x402

// Protocol identifiers for the gokite account-abstraction rail.
const (
	X402Version    = 1
	SchemeGokiteAA = "gokite-aa"
	NetworkKite    = "kite-testnet"
)

// PaymentAuthorization is the signed tuple transferring value under
// delegated authority. The `from` address is a smart-contract wallet that
// performs signature recovery and nonce consumption on-chain. Immutable
// once constructed.
type PaymentAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Token       string `json:"token"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactAAPayload is the scheme-specific inner payload: the authorization,
// the controlling key's signature over it, the 32-byte session id, and an
// optional delimited metadata string.
type ExactAAPayload struct {
	Signature     string                `json:"signature"`
	Authorization *PaymentAuthorization `json:"authorization"`
	SessionID     string                `json:"sessionId"`
	Metadata      string                `json:"metadata,omitempty"`
}

// PaymentPayload is the outer payment evidence envelope submitted by callers.
type PaymentPayload struct {
	X402Version int            `json:"x402Version"`
	Scheme      string         `json:"scheme"`
	Network     string         `json:"network"`
	Payload     ExactAAPayload `json:"payload"`
}

// PaymentRequirement describes one acceptable payment: rail, chain, asset,
// recipient, ceiling, and the correlation id the server minted for it.
type PaymentRequirement struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	Asset             string `json:"asset"`
	PayTo             string `json:"payTo"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	PaymentRequestID  string `json:"paymentRequestId"`
	Resource          string `json:"resource,omitempty"`
	Description       string `json:"description,omitempty"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds,omitempty"`
}

// PaymentRequired is the 402 response body: the demand a server makes
// before servicing a priced request.
type PaymentRequired struct {
	X402Version      int                  `json:"x402Version"`
	Error            string               `json:"error,omitempty"`
	PaymentRequestID string               `json:"paymentRequestId"`
	Accepts          []PaymentRequirement `json:"accepts"`
}

// NormalizedPaymentRequest is the canonical envelope produced by Normalize.
// Downstream code never hand-constructs one.
type NormalizedPaymentRequest struct {
	Authorization PaymentAuthorization
	Signature     string
	SessionID     string
	Metadata      string
	MetadataBytes string // hex encoding of the UTF-8 metadata string

	Scheme      string
	Network     string
	X402Version int

	// Copied from the matched requirement.
	Asset             string
	PayTo             string
	MaxAmountRequired string
	PaymentRequestID  string
}

// VerifyRequest is the facilitator request body for /v2/verify and
// /v2/settle. Exactly one of PaymentPayload or XPayment carries the
// evidence; XPayment may be raw JSON, base64 JSON, or base64url JSON.
type VerifyRequest struct {
	X402Version         int                 `json:"x402Version,omitempty"`
	PaymentPayload      *PaymentPayload     `json:"paymentPayload,omitempty"`
	XPayment            string              `json:"xPayment,omitempty"`
	PaymentRequirements *PaymentRequirement `json:"paymentRequirements"`
}

// VerifyResponse is the facilitator success body for /v2/verify.
type VerifyResponse struct {
	Valid            bool   `json:"valid"`
	Verified         bool   `json:"verified"`
	Authorized       bool   `json:"authorized"`
	Scheme           string `json:"scheme"`
	Network          string `json:"network"`
	X402Version      int    `json:"x402Version"`
	PaymentRequestID string `json:"paymentRequestId"`
}

// SettleResponse is the facilitator success body for /v2/settle.
type SettleResponse struct {
	Settled          bool   `json:"settled"`
	Success          bool   `json:"success"`
	TxHash           string `json:"txHash"`
	Scheme           string `json:"scheme"`
	Network          string `json:"network"`
	X402Version      int    `json:"x402Version"`
	PaymentRequestID string `json:"paymentRequestId"`
}

// SupportedKind declares one scheme/network combination the facilitator
// can verify and settle.
type SupportedKind struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
}
