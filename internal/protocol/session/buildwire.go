package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/remoterc/internal/archive"
	"github.com/danmuck/remoterc/internal/protocol/frame"
	"github.com/danmuck/remoterc/internal/protocol/schema"
	"github.com/danmuck/remoterc/internal/protocol/tlv"
)

var (
	ErrUnexpectedMessageType = errors.New("session: unexpected message type")
	ErrDigestMismatch        = errors.New("session: archive digest mismatch")
)

// BuildRequest is the client->server payload: one project snapshot.
// An empty Target selects the server default.
type BuildRequest struct {
	JobID     string
	Target    string
	Release   bool
	Digest    string
	Archive   []byte
	CreatedMS uint64
}

func (r BuildRequest) Validate() error {
	if strings.TrimSpace(r.JobID) == "" {
		return fmt.Errorf("build request missing job_id")
	}
	if len(r.Archive) == 0 {
		return fmt.Errorf("build request missing archive")
	}
	return nil
}

// BuildResult is the server->client payload: the produced executables.
type BuildResult struct {
	JobID     string
	Target    string
	Binaries  []string
	Digest    string
	Archive   []byte
	CreatedMS uint64
}

func (r BuildResult) Validate() error {
	if strings.TrimSpace(r.JobID) == "" {
		return fmt.Errorf("build result missing job_id")
	}
	if strings.TrimSpace(r.Target) == "" {
		return fmt.Errorf("build result missing target")
	}
	return nil
}

func EncodeBuildRequest(messageID uint64, req BuildRequest, limits frame.Limits) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Digest == "" {
		req.Digest = archive.Digest(req.Archive)
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldJobID, req.JobID),
		tlv.String(schema.FieldTarget, req.Target),
		tlv.Bool(schema.FieldRelease, req.Release),
		tlv.String(schema.FieldDigest, req.Digest),
		tlv.Bytes(schema.FieldArchive, req.Archive),
	}
	if req.CreatedMS != 0 {
		fields = append(fields, tlv.U64(schema.FieldCreatedMS, req.CreatedMS))
	}
	return encodeFrame(messageID, schema.MsgBuildRequest, 0, fields, limits)
}

func DecodeBuildRequest(f frame.Frame) (BuildRequest, error) {
	fields, err := decodeFields(f, schema.MsgBuildRequest)
	if err != nil {
		return BuildRequest{}, err
	}
	release, err := tlv.BoolFromBytes(mustField(fields, schema.FieldRelease).Value)
	if err != nil {
		return BuildRequest{}, err
	}
	req := BuildRequest{
		JobID:   string(mustField(fields, schema.FieldJobID).Value),
		Target:  string(mustField(fields, schema.FieldTarget).Value),
		Release: release,
		Digest:  string(mustField(fields, schema.FieldDigest).Value),
		Archive: mustField(fields, schema.FieldArchive).Value,
	}
	if req.CreatedMS, err = optionalU64(fields, schema.FieldCreatedMS); err != nil {
		return BuildRequest{}, err
	}
	if err := verifyDigest(req.Digest, req.Archive); err != nil {
		return BuildRequest{}, err
	}
	if err := req.Validate(); err != nil {
		return BuildRequest{}, err
	}
	return req, nil
}

func EncodeBuildResult(messageID uint64, res BuildResult, limits frame.Limits) ([]byte, error) {
	if err := res.Validate(); err != nil {
		return nil, err
	}
	if res.Digest == "" {
		res.Digest = archive.Digest(res.Archive)
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldJobID, res.JobID),
		tlv.String(schema.FieldTarget, res.Target),
		tlv.String(schema.FieldDigest, res.Digest),
		tlv.Bytes(schema.FieldArchive, res.Archive),
	}
	for _, name := range res.Binaries {
		fields = append(fields, tlv.String(schema.FieldBinary, name))
	}
	if res.CreatedMS != 0 {
		fields = append(fields, tlv.U64(schema.FieldCreatedMS, res.CreatedMS))
	}
	return encodeFrame(messageID, schema.MsgBuildResult, frame.FlagIsResponse, fields, limits)
}

func DecodeBuildResult(f frame.Frame) (BuildResult, error) {
	fields, err := decodeFields(f, schema.MsgBuildResult)
	if err != nil {
		return BuildResult{}, err
	}
	res := BuildResult{
		JobID:   string(mustField(fields, schema.FieldJobID).Value),
		Target:  string(mustField(fields, schema.FieldTarget).Value),
		Digest:  string(mustField(fields, schema.FieldDigest).Value),
		Archive: mustField(fields, schema.FieldArchive).Value,
	}
	for _, bf := range tlv.GetFields(fields, schema.FieldBinary) {
		res.Binaries = append(res.Binaries, string(bf.Value))
	}
	if res.CreatedMS, err = optionalU64(fields, schema.FieldCreatedMS); err != nil {
		return BuildResult{}, err
	}
	if err := verifyDigest(res.Digest, res.Archive); err != nil {
		return BuildResult{}, err
	}
	return res, nil
}

// RequestJobID recovers the job id from a build request frame that failed
// full decoding. It returns "" when the frame carries no readable job id.
func RequestJobID(f frame.Frame) string {
	if f.Header.MessageType != schema.MsgBuildRequest {
		return ""
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return ""
	}
	jf, ok := tlv.GetField(fields, schema.FieldJobID)
	if !ok || jf.Type != tlv.TypeString {
		return ""
	}
	return strings.TrimSpace(string(jf.Value))
}

// DecodePayload unwraps the frame held in one payload message.
func DecodePayload(msg Message, limits frame.Limits) (frame.Frame, error) {
	if msg.Kind != KindPayload {
		return frame.Frame{}, fmt.Errorf("%w: %s", ErrUnknownKind, msg.Kind)
	}
	return frame.Unmarshal(msg.Data, limits)
}

func encodeFrame(messageID uint64, messageType uint32, flags uint32, fields []tlv.Field, limits frame.Limits) ([]byte, error) {
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	f := frame.New(messageType, messageID, tlv.EncodeFields(fields))
	f.Header.Flags = flags
	return frame.Marshal(f, limits)
}

func decodeFields(f frame.Frame, want uint32) ([]tlv.Field, error) {
	if f.Header.MessageType != want {
		return nil, fmt.Errorf("%w: got=%d want=%d", ErrUnexpectedMessageType, f.Header.MessageType, want)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(want, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// mustField is only used after schema.Validate has confirmed presence.
func mustField(fields []tlv.Field, id uint16) tlv.Field {
	f, _ := tlv.GetField(fields, id)
	return f
}

func optionalU64(fields []tlv.Field, id uint16) (uint64, error) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return 0, nil
	}
	return tlv.U64FromBytes(f.Value)
}

func verifyDigest(want string, data []byte) error {
	got := archive.Digest(data)
	if want != got {
		return fmt.Errorf("%w: got=%s want=%s", ErrDigestMismatch, got, want)
	}
	return nil
}
