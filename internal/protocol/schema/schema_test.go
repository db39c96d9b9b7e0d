package schema

import (
	"testing"

	"github.com/danmuck/remoterc/internal/protocol/tlv"
	"github.com/danmuck/remoterc/internal/testutil/testlog"
)

func buildRequestFields() []tlv.Field {
	return []tlv.Field{
		tlv.String(FieldJobID, "job-1"),
		tlv.String(FieldTarget, "x86_64-pc-windows-gnu"),
		tlv.Bool(FieldRelease, true),
		tlv.String(FieldDigest, "blake3:00"),
		tlv.Bytes(FieldArchive, []byte{0x28, 0xb5}),
	}
}

func TestValidateBuildRequestRequiredFields(t *testing.T) {
	testlog.Start(t)
	if err := Validate(MsgBuildRequest, buildRequestFields()); err != nil {
		t.Fatalf("validate build request: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := append(buildRequestFields(), tlv.Field{ID: 9999, Type: tlv.TypeBytes, Value: []byte{0x01}})
	if err := Validate(MsgBuildRequest, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{tlv.String(FieldJobID, "job-1")}
	err := Validate(MsgBuildRequest, fields)
	if err == nil {
		t.Fatalf("expected error")
	}
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldTarget || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateTypeMismatchDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := buildRequestFields()
	fields[2] = tlv.String(FieldRelease, "true")
	err := Validate(MsgBuildRequest, fields)
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldRelease || ve.Reason != "type mismatch" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateBuildResultBinaryListTyped(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.String(FieldJobID, "job-1"),
		tlv.String(FieldTarget, "x86_64-pc-windows-gnu"),
		tlv.String(FieldDigest, "blake3:00"),
		tlv.Bytes(FieldArchive, nil),
		tlv.String(FieldBinary, "app.exe"),
		tlv.String(FieldBinary, "tool.exe"),
	}
	if err := Validate(MsgBuildResult, fields); err != nil {
		t.Fatalf("validate build result: %v", err)
	}
	fields = append(fields, tlv.Bytes(FieldBinary, []byte("bad")))
	err := Validate(MsgBuildResult, fields)
	ve, ok := err.(ValidationError)
	if !ok || ve.FieldID != FieldBinary {
		t.Fatalf("expected binary type mismatch, got %v", err)
	}
}

func TestValidateUnknownMessageType(t *testing.T) {
	testlog.Start(t)
	err := Validate(77, nil)
	ve, ok := err.(ValidationError)
	if !ok || ve.Reason != "unknown message_type" {
		t.Fatalf("unexpected error: %v", err)
	}
}
