package jobipc

import (
	"fmt"

	"github.com/ChuLiYu/procpool/pkg/types"
	"google.golang.org/protobuf/encoding/protowire"
)

// Serializer turns job requests and responses into message bodies and back.
// Bodies are framed by the channel, so a Serializer never has to delimit its
// output.
type Serializer interface {
	EncodeRequest(req types.JobRequest) ([]byte, error)
	DecodeRequest(body []byte) (types.JobRequest, error)
	EncodeResponse(resp types.JobResponse) ([]byte, error)
	DecodeResponse(body []byte) (types.JobResponse, error)
}

// field numbers of the job messages
const (
	fieldJobID         protowire.Number = 1
	fieldFromWorkerID  protowire.Number = 2
	fieldWorkerGroupID protowire.Number = 3
	fieldPriority      protowire.Number = 4
	fieldPayload       protowire.Number = 5
	fieldError         protowire.Number = 6
)

// ProtoSerializer encodes jobs in protobuf wire format:
//
//	message JobRequest {
//	  uint64 job_id = 1;
//	  uint32 from_worker_id = 2;
//	  uint32 worker_group_id = 3;
//	  sint64 priority = 4;
//	  bytes payload = 5;
//	}
//
//	message JobResponse {
//	  uint64 job_id = 1;
//	  uint32 from_worker_id = 2;
//	  uint32 worker_group_id = 3;
//	  bytes payload = 5;
//	  string error = 6;
//	}
//
// Unknown fields are skipped so either side can add fields later.
type ProtoSerializer struct{}

var _ Serializer = ProtoSerializer{}

func (ProtoSerializer) EncodeRequest(req types.JobRequest) ([]byte, error) {
	if req.FromWorkerID < 0 || req.WorkerGroupID < 0 {
		return nil, fmt.Errorf("jobipc: negative id in request %d", req.JobID)
	}
	b := make([]byte, 0, 24+len(req.Payload))
	b = protowire.AppendTag(b, fieldJobID, protowire.VarintType)
	b = protowire.AppendVarint(b, req.JobID)
	b = protowire.AppendTag(b, fieldFromWorkerID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(req.FromWorkerID))
	b = protowire.AppendTag(b, fieldWorkerGroupID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(req.WorkerGroupID))
	if req.Priority != 0 {
		b = protowire.AppendTag(b, fieldPriority, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(req.Priority)))
	}
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, req.Payload)
	return b, nil
}

func (ProtoSerializer) DecodeRequest(body []byte) (types.JobRequest, error) {
	var req types.JobRequest
	var seenID bool
	err := walkFields(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldJobID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			req.JobID, seenID = v, true
			return n, nil
		case num == fieldFromWorkerID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			req.FromWorkerID = int(v)
			return n, nil
		case num == fieldWorkerGroupID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			req.WorkerGroupID = int(v)
			return n, nil
		case num == fieldPriority && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			req.Priority = int(protowire.DecodeZigZag(v))
			return n, nil
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			req.Payload = append([]byte(nil), v...)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return types.JobRequest{}, &DecodeError{Message: "request", Err: err}
	}
	if !seenID {
		return types.JobRequest{}, &DecodeError{Message: "request", Err: errMissingJobID}
	}
	return req, nil
}

func (ProtoSerializer) EncodeResponse(resp types.JobResponse) ([]byte, error) {
	if resp.FromWorkerID < 0 || resp.WorkerGroupID < 0 {
		return nil, fmt.Errorf("jobipc: negative id in response %d", resp.JobID)
	}
	b := make([]byte, 0, 24+len(resp.Payload)+len(resp.Error))
	b = protowire.AppendTag(b, fieldJobID, protowire.VarintType)
	b = protowire.AppendVarint(b, resp.JobID)
	b = protowire.AppendTag(b, fieldFromWorkerID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(resp.FromWorkerID))
	b = protowire.AppendTag(b, fieldWorkerGroupID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(resp.WorkerGroupID))
	if resp.Error != "" {
		b = protowire.AppendTag(b, fieldError, protowire.BytesType)
		b = protowire.AppendString(b, resp.Error)
	} else {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, resp.Payload)
	}
	return b, nil
}

func (ProtoSerializer) DecodeResponse(body []byte) (types.JobResponse, error) {
	var resp types.JobResponse
	var seenID bool
	err := walkFields(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldJobID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			resp.JobID, seenID = v, true
			return n, nil
		case num == fieldFromWorkerID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			resp.FromWorkerID = int(v)
			return n, nil
		case num == fieldWorkerGroupID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			resp.WorkerGroupID = int(v)
			return n, nil
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			resp.Payload = append([]byte(nil), v...)
			return n, nil
		case num == fieldError && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			resp.Error = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return types.JobResponse{}, &DecodeError{Message: "response", Err: err}
	}
	if !seenID {
		return types.JobResponse{}, &DecodeError{Message: "response", Err: errMissingJobID}
	}
	return resp, nil
}

// walkFields calls fn for every field of a message body. fn consumes the field
// value and returns the number of bytes it used (negative on a parse error).
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}
