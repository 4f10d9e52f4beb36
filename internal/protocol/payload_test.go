package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestPayloadEncodesAsNumberArray(t *testing.T) {
	encoded, err := json.Marshal(Payload{0, 1, 127, 255})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(encoded) != "[0,1,127,255]" {
		t.Fatalf("unexpected encoding %s", encoded)
	}

	var decoded Payload
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if string(decoded) != string([]byte{0, 1, 127, 255}) {
		t.Fatalf("round trip mismatch: %v", decoded)
	}
}

func TestPayloadEmptyEncodesAsEmptyArray(t *testing.T) {
	encoded, err := json.Marshal(Payload{})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(encoded) != "[]" {
		t.Fatalf("unexpected encoding %s", encoded)
	}
}

func TestPayloadRejectsOutOfRangeBytes(t *testing.T) {
	var decoded Payload
	err := json.Unmarshal([]byte("[0,256]"), &decoded)
	if !errors.Is(err, ErrPayloadByteRange) {
		t.Fatalf("expected ErrPayloadByteRange, got %v", err)
	}

	err = json.Unmarshal([]byte("[-1]"), &decoded)
	if !errors.Is(err, ErrPayloadByteRange) {
		t.Fatalf("expected ErrPayloadByteRange, got %v", err)
	}
}

func TestPayloadRejectsNonArrayInput(t *testing.T) {
	var decoded Payload
	if err := json.Unmarshal([]byte(`"AQID"`), &decoded); err == nil {
		t.Fatal("expected base64 string input to be rejected")
	}
}
