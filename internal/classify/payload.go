package classify

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/nadzzz/intercom/internal/message"
)

// Shape identifies which of the accepted response layouts a payload used.
type Shape int

const (
	// ShapeUnknown is a payload that matched no accepted layout.
	ShapeUnknown Shape = iota

	// ShapeNested carries the quintuple in a "nluResult" (or "nlu_result") object.
	ShapeNested

	// ShapeFlat carries the quintuple as top-level fields.
	ShapeFlat
)

func (s Shape) String() string {
	switch s {
	case ShapeNested:
		return "nested"
	case ShapeFlat:
		return "flat"
	default:
		return "unknown"
	}
}

// Payload is the decoded form of a RawResponse. Parse always returns one;
// a payload that could not be read has Shape == ShapeUnknown and empty fields.
type Payload struct {
	Shape Shape

	Action    string
	Object    string
	Location  string
	DeviceID  string
	Parameter string

	// Error is the explicit error flag set by the service.
	Error bool

	Transcript     string
	TTSMessage     string
	DeviceFeedback string
	ErrorMessage   string
	AudioRef       string
}

// Field aliases, in lookup order. The service has shipped both camelCase and
// snake_case variants over time.
var (
	nestedKeys         = []string{"nluResult", "nlu_result"}
	actionKeys         = []string{"action", "intent"}
	objectKeys         = []string{"object", "entity"}
	locationKeys       = []string{"location"}
	deviceIDKeys       = []string{"deviceId", "device_id"}
	parameterKeys      = []string{"parameter", "parameters"}
	ttsMessageKeys     = []string{"responseMessageForTts", "response_message_for_tts"}
	deviceFeedbackKeys = []string{"deviceActionFeedback", "device_action_feedback"}
	errorMessageKeys   = []string{"errorMessage", "error_message"}
	audioRefKeys       = []string{"ttsOutputReference", "tts_output_reference"}
	transcriptKeys     = []string{"transcribedText", "sttText", "stt_text", "text"}
)

// Parse decodes raw into a Payload. It never fails: malformed input yields
// a ShapeUnknown payload.
func Parse(raw message.RawResponse) Payload {
	obj, ok := decodeObject(raw)
	if !ok {
		return Payload{}
	}
	outerFailed := flag(obj["error"])
	if inner, ok := unwrapEnvelope(obj); ok {
		outerFailed = outerFailed || envelopeFailed(obj)
		obj = inner
	}

	p := Payload{
		Error:          outerFailed || flag(obj["error"]),
		Transcript:     lookup(obj, transcriptKeys),
		TTSMessage:     lookup(obj, ttsMessageKeys),
		DeviceFeedback: lookup(obj, deviceFeedbackKeys),
		ErrorMessage:   lookup(obj, errorMessageKeys),
		AudioRef:       lookup(obj, audioRefKeys),
	}

	if nested, ok := lookupObject(obj, nestedKeys); ok {
		p.Shape = ShapeNested
		p.fillQuintuple(nested)
		return p
	}
	if hasAny(obj, actionKeys) || hasAny(obj, objectKeys) {
		p.Shape = ShapeFlat
		p.fillQuintuple(obj)
	}
	return p
}

func (p *Payload) fillQuintuple(obj map[string]any) {
	p.Action = lookup(obj, actionKeys)
	p.Object = lookup(obj, objectKeys)
	p.Location = lookup(obj, locationKeys)
	p.DeviceID = lookup(obj, deviceIDKeys)
	p.Parameter = lookup(obj, parameterKeys)
}

func decodeObject(raw []byte) (map[string]any, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, false
	}
	return obj, obj != nil
}

// unwrapEnvelope returns the body of a {"status"|"code"|"success", "data": {...}}
// wrapper, if obj is one.
func unwrapEnvelope(obj map[string]any) (map[string]any, bool) {
	data, ok := obj["data"].(map[string]any)
	if !ok {
		return nil, false
	}
	if _, nested := lookupObject(obj, nestedKeys); nested || hasAny(obj, actionKeys) {
		return nil, false
	}
	for _, k := range []string{"status", "code", "success", "message"} {
		if _, ok := obj[k]; ok {
			return data, true
		}
	}
	return nil, false
}

// envelopeFailed reports whether a wrapper's status fields mark the call as
// failed. Both {"status":"success"} and {"status":"200"} mean success.
func envelopeFailed(obj map[string]any) bool {
	if v, ok := obj["success"]; ok {
		if b, isBool := v.(bool); isBool && !b {
			return true
		}
	}
	for _, k := range []string{"status", "code"} {
		v, ok := obj[k]
		if !ok || v == nil {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(text(v))) {
		case "success", "ok", "200", "0":
		default:
			return true
		}
	}
	return false
}

func lookup(obj map[string]any, keys []string) string {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			if s := text(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func lookupObject(obj map[string]any, keys []string) (map[string]any, bool) {
	for _, k := range keys {
		if m, ok := obj[k].(map[string]any); ok {
			return m, true
		}
	}
	return nil, false
}

func hasAny(obj map[string]any, keys []string) bool {
	for _, k := range keys {
		if _, ok := obj[k]; ok {
			return true
		}
	}
	return false
}

// text renders any decoded JSON value as display text.
func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func flag(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(t))
		return b
	case json.Number:
		n, err := t.Int64()
		return err == nil && n != 0
	default:
		return false
	}
}
