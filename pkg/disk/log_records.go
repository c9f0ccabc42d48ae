package disk

import (
	"encoding/binary"

	"github.com/buildbarn/bb-disk-manager/pkg/address"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Payloads of the log records written by Manager. All integers are
// stored in little endian byte order. Strings are prefixed with their
// length.

func encodeUnitMask(mask uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, mask)
}

func decodeUnitMask(b []byte) (uint64, error) {
	if len(b) != unitBytes {
		return 0, status.Errorf(codes.DataLoss, "Sector table unit mask is %d bytes in size, while %d bytes were expected", len(b), unitBytes)
	}
	return binary.LittleEndian.Uint64(b), nil
}

func encodeSectorCount(n int32) []byte {
	return binary.LittleEndian.AppendUint32(nil, uint32(n))
}

func decodeSectorCount(b []byte) (int32, error) {
	if len(b) != 4 {
		return 0, status.Errorf(codes.DataLoss, "Sector count is %d bytes in size, while 4 bytes were expected", len(b))
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

func appendString(b []byte, s string) []byte {
	b = binary.LittleEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

type payloadReader struct {
	b   []byte
	err error
}

func (r *payloadReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.b) < n {
		r.err = status.Error(codes.DataLoss, "Log record payload is truncated")
		return nil
	}
	v := r.b[:n]
	r.b = r.b[n:]
	return v
}

func (r *payloadReader) uint8() uint8 {
	if v := r.take(1); v != nil {
		return v[0]
	}
	return 0
}

func (r *payloadReader) uint16() uint16 {
	if v := r.take(2); v != nil {
		return binary.LittleEndian.Uint16(v)
	}
	return 0
}

func (r *payloadReader) uint32() uint32 {
	if v := r.take(4); v != nil {
		return binary.LittleEndian.Uint32(v)
	}
	return 0
}

func (r *payloadReader) uint64() uint64 {
	if v := r.take(8); v != nil {
		return binary.LittleEndian.Uint64(v)
	}
	return 0
}

func (r *payloadReader) string() string {
	return string(r.take(int(r.uint16())))
}

func (r *payloadReader) finish() error {
	if r.err == nil && len(r.b) != 0 {
		r.err = status.Errorf(codes.DataLoss, "Log record payload has %d trailing bytes", len(r.b))
	}
	return r.err
}

// formatUndo is the payload of the undo image of VolumeFormat records,
// containing what is needed to remove the volume.
type formatUndo struct {
	purpose Purpose
	path    string
}

func (p formatUndo) encode() []byte {
	return appendString([]byte{byte(p.purpose)}, p.path)
}

func decodeFormatUndo(b []byte) (formatUndo, error) {
	r := payloadReader{b: b}
	p := formatUndo{purpose: Purpose(r.uint8())}
	p.path = r.string()
	return p, r.finish()
}

// headerLink is the payload of VolumeHeaderLink records.
type headerLink struct {
	nextVolume address.VolumeID
	nextPath   string
}

func (p headerLink) encode() []byte {
	return appendString(binary.LittleEndian.AppendUint16(nil, uint16(p.nextVolume)), p.nextPath)
}

func decodeHeaderLink(b []byte) (headerLink, error) {
	r := payloadReader{b: b}
	p := headerLink{nextVolume: address.VolumeID(r.uint16())}
	p.nextPath = r.string()
	return p, r.finish()
}

// headerCreation is the payload of VolumeHeaderCreation records.
type headerCreation struct {
	fullName     string
	creationTime int64
	checkpoint   address.LSA
}

func (p headerCreation) encode() []byte {
	b := appendString(nil, p.fullName)
	b = binary.LittleEndian.AppendUint64(b, uint64(p.creationTime))
	b = binary.LittleEndian.AppendUint64(b, uint64(p.checkpoint.PageID))
	return binary.LittleEndian.AppendUint16(b, uint16(p.checkpoint.Offset))
}

func decodeHeaderCreation(b []byte) (headerCreation, error) {
	r := payloadReader{b: b}
	p := headerCreation{fullName: r.string()}
	p.creationTime = int64(r.uint64())
	p.checkpoint.PageID = int64(r.uint64())
	p.checkpoint.Offset = int16(r.uint16())
	return p, r.finish()
}

func encodeHeapFileID(id HeapFileID) []byte {
	b := binary.LittleEndian.AppendUint16(nil, uint16(id.Volume))
	b = binary.LittleEndian.AppendUint32(b, uint32(id.File))
	return binary.LittleEndian.AppendUint32(b, uint32(id.HeaderPage))
}

func decodeHeapFileID(b []byte) (HeapFileID, error) {
	r := payloadReader{b: b}
	id := HeapFileID{Volume: address.VolumeID(r.uint16())}
	id.File = int32(r.uint32())
	id.HeaderPage = address.PageID(r.uint32())
	return id, r.finish()
}
