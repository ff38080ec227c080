// Package schema is the structural gate in front of the protocol engine.
// Every inbound frame is validated against a closed per-type field set
// before any business logic runs: unknown types, wrong version constants,
// malformed formats, missing or extra fields all fail here with a list of
// "path: reason" violations.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/whisper2/server/internal/protocol"
)

// ValidationError carries the full violation list for an INVALID_PAYLOAD
// reply.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "invalid payload: " + strings.Join(e.Violations, "; ")
}

// checkFunc inspects a decoded JSON value and returns a reason string, or
// "" when the value is acceptable.
type checkFunc func(v interface{}) string

type fieldSpec struct {
	required bool
	check    checkFunc
}

type frameSchema struct {
	public   bool
	maxBytes int
	fields   map[string]fieldSpec
}

// Gate holds one compiled validator per known frame type.
type Gate struct {
	schemas map[string]*frameSchema
}

// NewGate compiles the validator set for every recognised inbound type.
func NewGate() *Gate {
	g := &Gate{schemas: make(map[string]*frameSchema)}

	versioned := map[string]fieldSpec{
		"protocolVersion": {required: true, check: constInt(protocol.ProtocolVersion)},
		"cryptoVersion":   {required: true, check: constInt(protocol.CryptoVersion)},
	}

	g.add(protocol.TypeRegisterBegin, &frameSchema{
		public: true,
		fields: merge(versioned, map[string]fieldSpec{
			"deviceId":  {required: true, check: uuidString()},
			"platform":  {required: true, check: oneOf("ios", "android")},
			"whisperId": {check: whisperID()},
		}),
	})

	g.add(protocol.TypeRegisterProof, &frameSchema{
		public: true,
		fields: merge(versioned, map[string]fieldSpec{
			"challengeId":   {required: true, check: uuidString()},
			"deviceId":      {required: true, check: uuidString()},
			"platform":      {required: true, check: oneOf("ios", "android")},
			"whisperId":     {check: whisperID()},
			"encPublicKey":  {required: true, check: base64Exact(protocol.PublicKeyBytes)},
			"signPublicKey": {required: true, check: base64Exact(protocol.PublicKeyBytes)},
			"signature":     {required: true, check: base64Exact(protocol.SignatureBytes)},
			"pushToken":     {check: stringMax(512)},
			"voipToken":     {check: stringMax(512)},
			"sharePresence": {check: boolean()},
		}),
	})

	g.add(protocol.TypePing, &frameSchema{
		public: true,
		fields: map[string]fieldSpec{
			"timestamp": {required: true, check: integer()},
		},
	})
	g.add(protocol.TypePong, &frameSchema{
		public: true,
		fields: map[string]fieldSpec{
			"timestamp": {required: true, check: integer()},
		},
	})

	g.add(protocol.TypeSessionRefresh, &frameSchema{
		public: true, // authenticates a fresh socket by presenting the token
		fields: map[string]fieldSpec{
			"sessionToken":  {required: true, check: tokenString()},
			"sharePresence": {check: boolean()},
		},
	})
	g.add(protocol.TypeLogout, &frameSchema{fields: map[string]fieldSpec{}})

	attachment := map[string]fieldSpec{
		"objectKey":   {required: true, check: nonEmptyMax(1024)},
		"contentType": {required: true, check: nonEmptyMax(255)},
		"sizeBytes":   {required: true, check: positiveInt()},
		"fileKeyBox":  {required: true, check: base64Any()},
	}

	g.add(protocol.TypeSendMessage, &frameSchema{
		fields: merge(versioned, map[string]fieldSpec{
			"messageId":  {required: true, check: nonEmptyMax(64)},
			"from":       {required: true, check: whisperID()},
			"to":         {required: true, check: whisperID()},
			"msgType":    {required: true, check: nonEmptyMax(32)},
			"timestamp":  {required: true, check: integer()},
			"nonce":      {required: true, check: base64Exact(protocol.NonceBytes)},
			"ciphertext": {required: true, check: base64NonEmpty()},
			"signature":  {required: true, check: base64Exact(protocol.SignatureBytes)},
			"attachment": {check: object(attachment)},
		}),
	})

	g.add(protocol.TypeFetchPending, &frameSchema{
		fields: map[string]fieldSpec{
			"cursor": {check: nonNegativeInt()},
			"limit":  {check: positiveInt()},
		},
	})

	g.add(protocol.TypeDeliveryReceipt, &frameSchema{
		fields: map[string]fieldSpec{
			"messageId": {required: true, check: nonEmptyMax(64)},
			"from":      {required: true, check: whisperID()},
			"to":        {required: true, check: whisperID()},
			"status":    {required: true, check: oneOf(protocol.StatusDelivered, protocol.StatusRead)},
			"timestamp": {required: true, check: integer()},
			"signature": {required: true, check: base64Exact(protocol.SignatureBytes)},
		},
	})

	g.add(protocol.TypeTyping, &frameSchema{
		fields: map[string]fieldSpec{
			"to":       {required: true, check: whisperID()},
			"isTyping": {required: true, check: boolean()},
		},
	})

	callSignal := merge(versioned, map[string]fieldSpec{
		"callId":     {required: true, check: nonEmptyMax(64)},
		"from":       {required: true, check: whisperID()},
		"to":         {required: true, check: whisperID()},
		"isVideo":    {check: boolean()},
		"timestamp":  {required: true, check: integer()},
		"nonce":      {required: true, check: base64Exact(protocol.NonceBytes)},
		"ciphertext": {required: true, check: base64NonEmpty()},
		"signature":  {required: true, check: base64Exact(protocol.SignatureBytes)},
	})
	for _, t := range []string{
		protocol.TypeCallInitiate,
		protocol.TypeCallAnswer,
		protocol.TypeCallICECandidate,
		protocol.TypeCallEnd,
		protocol.TypeCallRinging,
	} {
		g.add(t, &frameSchema{fields: callSignal})
	}

	g.add(protocol.TypeGetTurnCredentials, &frameSchema{fields: map[string]fieldSpec{}})

	g.add(protocol.TypePresignUpload, &frameSchema{
		fields: map[string]fieldSpec{
			"contentType": {required: true, check: nonEmptyMax(255)},
			"size":        {required: true, check: positiveInt()},
		},
	})
	g.add(protocol.TypePresignDownload, &frameSchema{
		fields: map[string]fieldSpec{
			"objectKey": {required: true, check: nonEmptyMax(1024)},
		},
	})

	g.add(protocol.TypeBackupContacts, &frameSchema{
		maxBytes: protocol.MaxBackupFrameBytes,
		fields: map[string]fieldSpec{
			"nonce":      {required: true, check: base64Exact(protocol.NonceBytes)},
			"ciphertext": {required: true, check: base64MaxDecoded(protocol.MaxBackupFrameBytes)},
		},
	})

	return g
}

func (g *Gate) add(frameType string, s *frameSchema) {
	if s.maxBytes == 0 {
		s.maxBytes = protocol.MaxFrameBytes
	}
	g.schemas[frameType] = s
}

// Known reports whether frameType is a recognised inbound type.
func (g *Gate) Known(frameType string) bool {
	_, ok := g.schemas[frameType]
	return ok
}

// Public reports whether frameType may be presented without a session.
func (g *Gate) Public(frameType string) bool {
	s, ok := g.schemas[frameType]
	return ok && s.public
}

// MaxFrameBytes returns the size cap for a frame of the given type.
// Unknown types get the ordinary cap; they are rejected later anyway.
func (g *Gate) MaxFrameBytes(frameType string) int {
	if s, ok := g.schemas[frameType]; ok {
		return s.maxBytes
	}
	return protocol.MaxFrameBytes
}

// Validate checks payload against the compiled schema for frameType.
// A nil return means the frame may proceed to business logic.
func (g *Gate) Validate(frameType string, payload json.RawMessage) error {
	s, ok := g.schemas[frameType]
	if !ok {
		return &ValidationError{Violations: []string{"type: unknown frame type " + frameType}}
	}

	obj, err := decodeObject(payload)
	if err != nil {
		return &ValidationError{Violations: []string{"payload: " + err.Error()}}
	}

	violations := checkObject("", obj, s.fields)
	if len(violations) > 0 {
		sort.Strings(violations)
		return &ValidationError{Violations: violations}
	}
	return nil
}

func decodeObject(payload json.RawMessage) (map[string]interface{}, error) {
	if len(payload) == 0 {
		return map[string]interface{}{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("not a JSON object")
	}
	if obj == nil {
		obj = map[string]interface{}{}
	}
	return obj, nil
}

func checkObject(prefix string, obj map[string]interface{}, fields map[string]fieldSpec) []string {
	var violations []string
	path := func(name string) string {
		if prefix == "" {
			return name
		}
		return prefix + "." + name
	}

	for name := range obj {
		if _, ok := fields[name]; !ok {
			violations = append(violations, path(name)+": unexpected field")
		}
	}
	for name, spec := range fields {
		v, present := obj[name]
		if !present {
			if spec.required {
				violations = append(violations, path(name)+": required")
			}
			continue
		}
		if reason := spec.check(v); reason != "" {
			violations = append(violations, path(name)+": "+reason)
		}
	}
	return violations
}
