// Package advert encodes and authenticates the advertisement datagrams that
// nodes exchange. A message is JSON on the wire; its auth tag is an HMAC-SHA256
// over a length-prefixed binary encoding of every other field, so the tag does
// not depend on JSON formatting.
package advert

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"

	"github.com/hramov/floatkeeper/internal/errors"
	"github.com/hramov/floatkeeper/internal/fsm"
)

// Version is the wire format version.
const Version = 1

// MaxSize is the largest datagram accepted.
const MaxSize = 1024

// MaxSenderID bounds the sender id length.
const MaxSenderID = 128

// Advertisement asserts a node's claimed state and priority.
type Advertisement struct {
	Version  int       `json:"v"`
	SenderID string    `json:"sender_id"`
	State    fsm.State `json:"state"`
	Priority int       `json:"priority"`
	Sequence uint64    `json:"seq"`
	AuthTag  []byte    `json:"auth_tag,omitempty"`
}

// Codec signs and verifies advertisements with a shared secret.
type Codec struct {
	secret []byte
}

func NewCodec(secret []byte) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errors.New(errors.KindConfiguration, "advertisement secret is empty")
	}
	return &Codec{secret: append([]byte(nil), secret...)}, nil
}

// Encode signs a and returns the datagram payload. The version is set by the
// codec; any AuthTag on a is replaced.
func (c *Codec) Encode(a Advertisement) ([]byte, error) {
	a.Version = Version
	if err := validate(a); err != nil {
		return nil, err
	}

	a.AuthTag = c.tag(a)

	b, err := json.Marshal(a)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "marshal advertisement")
	}
	return b, nil
}

// Decode parses and verifies payload. Malformed input is a KindProtocol error,
// a missing or wrong tag a KindAuthentication error.
func (c *Codec) Decode(payload []byte) (Advertisement, error) {
	var a Advertisement

	if len(payload) > MaxSize {
		return a, errors.Errorf(errors.KindProtocol, "advertisement too large: %d bytes", len(payload))
	}
	if err := json.Unmarshal(payload, &a); err != nil {
		return Advertisement{}, errors.Wrap(err, errors.KindProtocol, "unmarshal advertisement")
	}
	if a.Version != Version {
		return Advertisement{}, errors.Errorf(errors.KindProtocol, "unsupported advertisement version %d", a.Version)
	}
	if err := validate(a); err != nil {
		return Advertisement{}, err
	}

	if len(a.AuthTag) == 0 {
		return Advertisement{}, errors.Attr(
			errors.Errorf(errors.KindAuthentication, "advertisement from %q is not signed", a.SenderID),
			"sender", a.SenderID)
	}
	if !hmac.Equal(a.AuthTag, c.tag(a)) {
		return Advertisement{}, errors.Attr(
			errors.Errorf(errors.KindAuthentication, "advertisement from %q failed verification", a.SenderID),
			"sender", a.SenderID)
	}

	return a, nil
}

func validate(a Advertisement) error {
	if a.SenderID == "" || len(a.SenderID) > MaxSenderID {
		return errors.Errorf(errors.KindProtocol, "invalid sender id length %d", len(a.SenderID))
	}
	if a.State != fsm.Master && a.State != fsm.Backup {
		return errors.Errorf(errors.KindProtocol, "state %s cannot be advertised", a.State)
	}
	return nil
}

func (c *Codec) tag(a Advertisement) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(signedBytes(a))
	return mac.Sum(nil)
}

// signedBytes is the canonical encoding of every field preceding the tag.
func signedBytes(a Advertisement) []byte {
	b := make([]byte, 0, 32+len(a.SenderID))
	b = binary.BigEndian.AppendUint16(b, uint16(a.Version))
	b = binary.BigEndian.AppendUint16(b, uint16(len(a.SenderID)))
	b = append(b, a.SenderID...)
	b = append(b, byte(a.State))
	b = binary.BigEndian.AppendUint64(b, uint64(int64(a.Priority)))
	b = binary.BigEndian.AppendUint64(b, a.Sequence)
	return b
}
