package api

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Relay methods.
const (
	MethodHealthcheck       = "healthcheck"
	MethodGetPedestals      = "getPedestals"
	MethodSetPedestalsColor = "setPedestalsColor"
	MethodBlinkPedestal     = "blinkPedestal"
	MethodStopBlinking      = "stopBlinking"
	MethodConnectionState   = "connectionState"
)

// Envelope is one relay message: {"method": "...", "data": {...}}.
type Envelope struct {
	Method string
	Data   *structpb.Struct
}

// NewEnvelope converts v (any JSON-marshalable object) into the data member.
func NewEnvelope(method string, v any) (Envelope, error) {
	data := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	if v != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			return Envelope{}, fmt.Errorf("api: encode %s data: %w", method, err)
		}
		if err := protojson.Unmarshal(raw, data); err != nil {
			return Envelope{}, fmt.Errorf("api: %s data is not an object: %w", method, err)
		}
	}
	return Envelope{Method: method, Data: data}, nil
}

// ErrorEnvelope reports err against method as {"error": "..."}.
func ErrorEnvelope(method string, err error) Envelope {
	return Envelope{
		Method: method,
		Data: &structpb.Struct{Fields: map[string]*structpb.Value{
			"error": structpb.NewStringValue(err.Error()),
		}},
	}
}

// Decode unmarshals the data member into v.
func (e Envelope) Decode(v any) error {
	if e.Data == nil {
		return nil
	}
	raw, err := protojson.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("api: %s data: %w", e.Method, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("api: %s data: %w", e.Method, err)
	}
	return nil
}

// Err returns the error carried by an error envelope, or nil.
func (e Envelope) Err() error {
	if e.Data == nil {
		return nil
	}
	if v, ok := e.Data.Fields["error"]; ok {
		return fmt.Errorf("%s: %s", e.Method, v.GetStringValue())
	}
	return nil
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	fields := map[string]*structpb.Value{
		"method": structpb.NewStringValue(e.Method),
	}
	if e.Data != nil {
		fields["data"] = structpb.NewStructValue(e.Data)
	}
	return protojson.Marshal(&structpb.Struct{Fields: fields})
}

func (e *Envelope) UnmarshalJSON(b []byte) error {
	var s structpb.Struct
	if err := protojson.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("api: envelope: %w", err)
	}
	m, ok := s.Fields["method"]
	if !ok || m.GetStringValue() == "" {
		return fmt.Errorf("api: envelope: missing method")
	}
	e.Method = m.GetStringValue()
	e.Data = nil
	if d, ok := s.Fields["data"]; ok {
		if _, isNull := d.Kind.(*structpb.Value_NullValue); !isNull {
			e.Data = d.GetStructValue()
			if e.Data == nil {
				return fmt.Errorf("api: envelope: data must be an object")
			}
		}
	}
	return nil
}
