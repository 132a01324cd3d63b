// Copyright 2024 AgentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"agentfs/internal/common"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Core deterministic encoding: the same message always produces the
	// same bytes.
	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	encOpts.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxByteStringLen: MaxFrameSize,
		TextUnmarshaler:  cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// envelope is the body of every frame.
type envelope struct {
	Tag     Tag             `cbor:"1,keyasint"`
	Version uint8           `cbor:"2,keyasint"`
	Payload cbor.RawMessage `cbor:"3,keyasint,omitempty"`
}

// RequestFrame is a decoded request with the version it was sent under.
// Request holds a pointer to the variant, e.g. *Stat.
type RequestFrame struct {
	Version uint8
	Request Request
}

// EncodeRequest encodes req at the current protocol version.
func EncodeRequest(req Request) ([]byte, error) {
	return encodeEnvelope(req.Tag(), Version, req)
}

// EncodeResponse encodes resp. Ack replies carry no payload.
func EncodeResponse(resp Response) ([]byte, error) {
	if _, ok := resp.(Ack); ok {
		return encodeEnvelope(resp.Tag(), Version, nil)
	}
	return encodeEnvelope(resp.Tag(), Version, resp)
}

func encodeEnvelope(tag Tag, version uint8, payload any) ([]byte, error) {
	env := envelope{Tag: tag, Version: version}
	if payload != nil {
		raw, err := encMode.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", tag, err)
		}
		env.Payload = raw
	}
	return encMode.Marshal(env)
}

// DecodeRequest decodes a request body. Malformed bodies and unknown tags
// are Decode errors; the version is checked by ValidateRequest.
func DecodeRequest(body []byte) (RequestFrame, error) {
	var env envelope
	if err := decMode.Unmarshal(body, &env); err != nil {
		return RequestFrame{}, fmt.Errorf("%w: %v", common.ErrDecode, err)
	}
	req := newRequest(env.Tag)
	if req == nil {
		return RequestFrame{Version: env.Version}, fmt.Errorf("%w: unknown request tag %d", common.ErrDecode, env.Tag)
	}
	if len(env.Payload) > 0 {
		if err := decMode.Unmarshal(env.Payload, req); err != nil {
			return RequestFrame{Version: env.Version}, fmt.Errorf("%w: %s payload: %v", common.ErrDecode, env.Tag, err)
		}
	}
	return RequestFrame{Version: env.Version, Request: req}, nil
}

// DecodeResponse decodes a response body. An Error reply is returned as a
// *RemoteError.
func DecodeResponse(body []byte) (Response, error) {
	var env envelope
	if err := decMode.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecode, err)
	}
	if env.Version != Version {
		return nil, fmt.Errorf("%w: unsupported protocol version %d", common.ErrSchema, env.Version)
	}
	resp, hasPayload := newResponse(env.Tag)
	if resp == nil {
		return nil, fmt.Errorf("%w: unknown response tag %d", common.ErrDecode, env.Tag)
	}
	if hasPayload && len(env.Payload) > 0 {
		if err := decMode.Unmarshal(env.Payload, resp); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", common.ErrDecode, env.Tag, err)
		}
	}
	if e, ok := resp.(*Error); ok {
		return nil, &RemoteError{Reply: *e}
	}
	return resp, nil
}
