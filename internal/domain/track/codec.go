package track

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"math"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrInvalidTrack indicates a malformed or truncated track descriptor.
var ErrInvalidTrack = errors.New("invalid track descriptor")

const (
	// headerVersioned is the header flag bit indicating a version byte follows.
	headerVersioned = 1

	// descriptorVersion is the version written by Encode.
	descriptorVersion = 2

	// unboundedMillis is the smallest millisecond count that no longer fits in
	// a time.Duration. Values at or beyond it decode to DurationUnbounded.
	unboundedMillis = math.MaxInt64 / int64(time.Millisecond)
)

// DurationFromMillis converts a millisecond count from the wire into a
// duration, clamping values at or beyond the representable maximum to
// DurationUnbounded instead of overflowing.
func DurationFromMillis(millis int64) time.Duration {
	switch {
	case millis >= unboundedMillis:
		return DurationUnbounded
	case millis > 0:
		return time.Duration(millis) * time.Millisecond
	default:
		return 0
	}
}

// Decode parses a base64 track descriptor into a Track.
//
// The descriptor is big-endian and length-prefixed: a 4-byte header whose top
// 2 bits are flags (bit 0 set means a version byte follows, otherwise version
// 1 is assumed), then title, author, an 8-byte duration in milliseconds, the
// identifier, a stream flag byte, and an optional URL guarded by a presence
// byte. Source-specific trailing bytes are ignored. Decoding is deterministic
// and side-effect free; Position always starts at zero.
func Decode(hash string) (*Track, error) {
	data, err := base64.StdEncoding.DecodeString(hash)
	if err != nil {
		// Some encoders omit padding.
		data, err = base64.RawStdEncoding.DecodeString(hash)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidTrack, "malformed base64 payload")
		}
	}

	r := &descriptorReader{r: bytes.NewReader(data)}

	header, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	flags := header >> 30

	if flags&headerVersioned != 0 {
		if _, err := r.readByte(); err != nil {
			return nil, err
		}
	}

	title, err := r.readString()
	if err != nil {
		return nil, err
	}
	author, err := r.readString()
	if err != nil {
		return nil, err
	}
	millis, err := r.readInt64()
	if err != nil {
		return nil, err
	}
	id, err := r.readString()
	if err != nil {
		return nil, err
	}
	isStream, err := r.readBool()
	if err != nil {
		return nil, err
	}
	hasURL, err := r.readBool()
	if err != nil {
		return nil, err
	}
	var url string
	if hasURL {
		if url, err = r.readString(); err != nil {
			return nil, err
		}
	}

	return &Track{
		Hash:       hash,
		ID:         id,
		Title:      title,
		Author:     author,
		URL:        url,
		Duration:   DurationFromMillis(millis),
		IsStream:   isStream,
		IsSeekable: !isStream,
	}, nil
}

// Encode writes a Track back into its base64 descriptor form. It is the
// inverse of Decode for the common fields; source-specific trailing bytes
// are not reproduced.
func Encode(t *Track) (string, error) {
	body := &bytes.Buffer{}
	body.WriteByte(descriptorVersion)

	w := &descriptorWriter{w: body}
	w.writeString(t.Title)
	w.writeString(t.Author)

	millis := int64(math.MaxInt64)
	if t.Duration != DurationUnbounded {
		millis = t.Duration.Milliseconds()
	}
	w.writeInt64(millis)

	w.writeString(t.ID)
	w.writeBool(t.IsStream)
	w.writeBool(t.URL != "")
	if t.URL != "" {
		w.writeString(t.URL)
	}
	if w.err != nil {
		return "", w.err
	}

	header := uint32(body.Len()) | uint32(headerVersioned)<<30
	out := &bytes.Buffer{}
	if err := binary.Write(out, binary.BigEndian, header); err != nil {
		return "", errors.Wrap(err, "failed to write descriptor header")
	}
	out.Write(body.Bytes())

	return base64.StdEncoding.EncodeToString(out.Bytes()), nil
}

// descriptorReader reads the big-endian descriptor fields, converting every
// short read into an ErrInvalidTrack failure.
type descriptorReader struct {
	r *bytes.Reader
}

func (d *descriptorReader) readUint32() (uint32, error) {
	var v uint32
	if err := binary.Read(d.r, binary.BigEndian, &v); err != nil {
		return 0, errors.Wrap(ErrInvalidTrack, "descriptor truncated reading header")
	}
	return v, nil
}

func (d *descriptorReader) readInt64() (int64, error) {
	var v int64
	if err := binary.Read(d.r, binary.BigEndian, &v); err != nil {
		return 0, errors.Wrap(ErrInvalidTrack, "descriptor truncated reading integer")
	}
	return v, nil
}

func (d *descriptorReader) readByte() (byte, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return 0, errors.Wrap(ErrInvalidTrack, "descriptor truncated reading byte")
	}
	return b, nil
}

func (d *descriptorReader) readBool() (bool, error) {
	b, err := d.readByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func (d *descriptorReader) readString() (string, error) {
	var length uint16
	if err := binary.Read(d.r, binary.BigEndian, &length); err != nil {
		return "", errors.Wrap(ErrInvalidTrack, "descriptor truncated reading string length")
	}
	if int(length) > d.r.Len() {
		return "", errors.Wrapf(ErrInvalidTrack, "string length %d exceeds remaining %d bytes", length, d.r.Len())
	}
	if length == 0 {
		// Read would report EOF for an empty string at the end of the buffer.
		return "", nil
	}
	buf := make([]byte, length)
	if _, err := d.r.Read(buf); err != nil {
		return "", errors.Wrap(ErrInvalidTrack, "descriptor truncated reading string")
	}
	return string(buf), nil
}

// descriptorWriter mirrors descriptorReader for Encode, capturing the first
// failure instead of returning one per write.
type descriptorWriter struct {
	w   *bytes.Buffer
	err error
}

func (d *descriptorWriter) writeString(s string) {
	if d.err != nil {
		return
	}
	if len(s) > math.MaxUint16 {
		d.err = errors.Newf("string of %d bytes does not fit a length prefix", len(s))
		return
	}
	_ = binary.Write(d.w, binary.BigEndian, uint16(len(s)))
	d.w.WriteString(s)
}

func (d *descriptorWriter) writeInt64(v int64) {
	if d.err != nil {
		return
	}
	_ = binary.Write(d.w, binary.BigEndian, v)
}

func (d *descriptorWriter) writeBool(v bool) {
	if d.err != nil {
		return
	}
	b := byte(0)
	if v {
		b = 1
	}
	d.w.WriteByte(b)
}
