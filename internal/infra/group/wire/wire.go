// Package wire encodes the messages exchanged on the group socket. Each
// message is a protobuf wire-format record preceded by its uvarint length.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/zhangkaiitugithub/yabridge/internal/domain"
)

const (
	fieldPluginPath protowire.Number = 1
	fieldSocketPath protowire.Number = 2
	fieldPID        protowire.Number = 1
)

// Response is the group's reply to a load request.
type Response struct {
	PID int
}

func MarshalRequest(req domain.GroupRequest) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldPluginPath, protowire.BytesType)
	b = protowire.AppendString(b, req.PluginPath)
	b = protowire.AppendTag(b, fieldSocketPath, protowire.BytesType)
	b = protowire.AppendString(b, req.SocketPath)
	return b
}

func UnmarshalRequest(b []byte) (domain.GroupRequest, error) {
	var req domain.GroupRequest
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		switch {
		case num == fieldPluginPath && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(field)
			req.PluginPath = v
			return n, nil
		case num == fieldSocketPath && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(field)
			req.SocketPath = v
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, field), nil
		}
	})
	if err != nil {
		return domain.GroupRequest{}, fmt.Errorf("decode group request: %w", err)
	}
	return req, nil
}

func MarshalResponse(resp Response) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldPID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(resp.PID))
	return b
}

func UnmarshalResponse(b []byte) (Response, error) {
	var resp Response
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		if num == fieldPID && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(field)
			resp.PID = int(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, field), nil
	})
	if err != nil {
		return Response{}, fmt.Errorf("decode group response: %w", err)
	}
	return resp, nil
}

func walkFields(b []byte, visit func(num protowire.Number, typ protowire.Type, field []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := visit(num, typ, b)
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

// WriteFrame writes payload preceded by its length.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > domain.MaxFrameSize {
		return domain.ErrFrameTooLarge
	}
	frame := binary.AppendUvarint(make([]byte, 0, binary.MaxVarintLen64+len(payload)), uint64(len(payload)))
	frame = append(frame, payload...)
	_, err := w.Write(frame)
	return err
}

// ReadFrame reads one length-prefixed payload. Frames over MaxFrameSize are
// rejected before their body is read.
func ReadFrame(r io.Reader) ([]byte, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = &byteReader{r: r}
	}
	size, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, err
	}
	if size > domain.MaxFrameSize {
		return nil, domain.ErrFrameTooLarge
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// byteReader reads the length prefix one byte at a time so nothing past
// the prefix is consumed from r.
type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func (b *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(b.r, b.buf[:]); err != nil {
		return 0, err
	}
	return b.buf[0], nil
}

func WriteRequest(w io.Writer, req domain.GroupRequest) error {
	return WriteFrame(w, MarshalRequest(req))
}

func ReadRequest(r io.Reader) (domain.GroupRequest, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return domain.GroupRequest{}, err
	}
	return UnmarshalRequest(payload)
}

func WriteResponse(w io.Writer, resp Response) error {
	return WriteFrame(w, MarshalResponse(resp))
}

func ReadResponse(r io.Reader) (Response, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return Response{}, err
	}
	return UnmarshalResponse(payload)
}
