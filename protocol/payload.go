package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// PayloadType discriminates the variants carried by a Payload envelope.
type PayloadType uint8

const (
	PayloadNone PayloadType = iota
	PayloadGroup
	PayloadPost
	PayloadLocation
)

// String returns the wire tag for the payload type.
func (t PayloadType) String() string {
	switch t {
	case PayloadGroup:
		return "group"
	case PayloadPost:
		return "post"
	case PayloadLocation:
		return "location"
	default:
		return "none"
	}
}

func payloadTypeFromTag(tag string) (PayloadType, error) {
	switch tag {
	case "group":
		return PayloadGroup, nil
	case "post":
		return PayloadPost, nil
	case "location":
		return PayloadLocation, nil
	default:
		return PayloadNone, fmt.Errorf("%w: unknown payload tag %q", ErrInvalidPayload, tag)
	}
}

// Payload is the tagged union shipped on the push and pull paths.
// Exactly one of Group, Post, Location is set, matching Type.
type Payload struct {
	Type     PayloadType
	Group    *Group
	Post     *Post
	Location *Location
}

// NewGroupPayload wraps a group for the wire.
func NewGroupPayload(g *Group) Payload {
	return Payload{Type: PayloadGroup, Group: g}
}

// NewPostPayload wraps a post for the wire.
func NewPostPayload(p *Post) Payload {
	return Payload{Type: PayloadPost, Post: p}
}

// NewLocationPayload wraps a location for the wire.
func NewLocationPayload(l *Location) Payload {
	return Payload{Type: PayloadLocation, Location: l}
}

type payloadEnvelope struct {
	Type   string          `json:"type"`
	Object json.RawMessage `json:"object"`
}

// MarshalJSON encodes the payload as {"type": tag, "object": {...}}.
func (p Payload) MarshalJSON() ([]byte, error) {
	var object interface{}
	switch p.Type {
	case PayloadGroup:
		object = p.Group
	case PayloadPost:
		object = p.Post
	case PayloadLocation:
		object = p.Location
	default:
		return nil, fmt.Errorf("%w: payload has no type", ErrInvalidPayload)
	}
	raw, err := json.Marshal(object)
	if err != nil {
		return nil, err
	}
	return json.Marshal(payloadEnvelope{Type: p.Type.String(), Object: raw})
}

// UnmarshalJSON decodes the tagged envelope into the matching variant.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var envelope payloadEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}
	payloadType, err := payloadTypeFromTag(envelope.Type)
	if err != nil {
		return err
	}
	*p = Payload{Type: payloadType}
	switch payloadType {
	case PayloadGroup:
		p.Group = new(Group)
		return json.Unmarshal(envelope.Object, p.Group)
	case PayloadPost:
		p.Post = new(Post)
		return json.Unmarshal(envelope.Object, p.Post)
	case PayloadLocation:
		p.Location = new(Location)
		return json.Unmarshal(envelope.Object, p.Location)
	}
	return nil
}

// Validate dispatches to the variant's validator.
func (p *Payload) Validate() error {
	switch p.Type {
	case PayloadGroup:
		return ValidateGroup(p.Group)
	case PayloadPost:
		return ValidatePost(p.Post)
	case PayloadLocation:
		return ValidateLocation(p.Location)
	default:
		return fmt.Errorf("%w: payload has no type", ErrInvalidPayload)
	}
}

// PayloadReader incrementally decodes a stream of concatenated payload
// envelopes. Next returns io.EOF when the stream is exhausted.
type PayloadReader struct {
	decoder *json.Decoder
}

// NewPayloadReader wraps r for streaming payload decoding.
func NewPayloadReader(r io.Reader) *PayloadReader {
	return &PayloadReader{decoder: json.NewDecoder(r)}
}

// Next decodes the next payload from the stream.
func (r *PayloadReader) Next() (Payload, error) {
	var payload Payload
	if err := r.decoder.Decode(&payload); err != nil {
		return Payload{}, err
	}
	return payload, nil
}

// PayloadWriter incrementally encodes payload envelopes onto a stream.
type PayloadWriter struct {
	encoder *json.Encoder
}

// NewPayloadWriter wraps w for streaming payload encoding.
func NewPayloadWriter(w io.Writer) *PayloadWriter {
	return &PayloadWriter{encoder: json.NewEncoder(w)}
}

// Write encodes one payload onto the stream.
func (w *PayloadWriter) Write(payload Payload) error {
	return w.encoder.Encode(payload)
}
