// Copyright 2026 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
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

package archival

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// manifestMagic identifies the manifest wire format (spec §6: "a
// length-prefixed binary record"). No serialization library is used here:
// the record shape is small and fixed, and the teacher hand-rolls
// binary.BigEndian framing for exactly this kind of data everywhere it
// appears (segment headers, group-assignment encoding).
const manifestMagic uint32 = 0x4b53414d // "KSAM"

const manifestVersion uint16 = 1

// EncodeManifest serialises m into the canonical wire format (spec §6).
func EncodeManifest(m Manifest) []byte {
	var buf bytes.Buffer

	writeUint32(&buf, manifestMagic)
	writeUint16(&buf, manifestVersion)
	writeString(&buf, m.Identity.Namespace)
	writeString(&buf, m.Identity.Topic)
	writeInt32(&buf, m.Identity.Partition)
	writeInt64(&buf, m.Identity.InitialRevision)
	writeInt64(&buf, m.InsyncOffset)
	writeInt64(&buf, m.StartOffset)
	writeInt64(&buf, m.LastUploadedCompactedOffset)
	writeBytes(&buf, m.Trailing)

	writeUint32(&buf, uint32(len(m.Segments)))
	for _, seg := range m.Segments {
		encodeSegment(&buf, seg)
	}

	return buf.Bytes()
}

func encodeSegment(buf *bytes.Buffer, seg SegmentMetadata) {
	writeInt64(buf, seg.BaseOffset)
	writeInt64(buf, seg.CommittedOffset)
	writeInt32(buf, seg.DeltaOffset)
	writeInt64(buf, seg.SizeBytes)
	writeInt64(buf, seg.MaxTimestamp.UnixNano())
	writeInt64(buf, seg.ArchiverTerm)
	writeInt64(buf, seg.SegmentTerm)
	if seg.IsCompacted {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	writeBytes(buf, seg.Trailing)
}

// DecodeManifest parses the canonical wire format produced by
// EncodeManifest. Unknown trailing bytes in the header or in any segment
// record are preserved in the resulting Manifest/SegmentMetadata so a
// decode-then-encode round trip reproduces the input exactly, even for
// manifests written by a newer archiver version with extra fields this
// build doesn't know about.
func DecodeManifest(data []byte) (Manifest, error) {
	r := bytes.NewReader(data)

	magic, err := readUint32(r)
	if err != nil {
		return Manifest{}, fmt.Errorf("archival: read magic: %w", err)
	}
	if magic != manifestMagic {
		return Manifest{}, fmt.Errorf("archival: bad manifest magic %#x", magic)
	}
	if _, err := readUint16(r); err != nil {
		return Manifest{}, fmt.Errorf("archival: read version: %w", err)
	}

	var m Manifest
	if m.Identity.Namespace, err = readString(r); err != nil {
		return Manifest{}, err
	}
	if m.Identity.Topic, err = readString(r); err != nil {
		return Manifest{}, err
	}
	if m.Identity.Partition, err = readInt32(r); err != nil {
		return Manifest{}, err
	}
	if m.Identity.InitialRevision, err = readInt64(r); err != nil {
		return Manifest{}, err
	}
	if m.InsyncOffset, err = readInt64(r); err != nil {
		return Manifest{}, err
	}
	if m.StartOffset, err = readInt64(r); err != nil {
		return Manifest{}, err
	}
	if m.LastUploadedCompactedOffset, err = readInt64(r); err != nil {
		return Manifest{}, err
	}
	if m.Trailing, err = readBytes(r); err != nil {
		return Manifest{}, err
	}

	count, err := readUint32(r)
	if err != nil {
		return Manifest{}, fmt.Errorf("archival: read segment count: %w", err)
	}
	m.Segments = make([]SegmentMetadata, 0, count)
	for i := uint32(0); i < count; i++ {
		seg, err := decodeSegment(r)
		if err != nil {
			return Manifest{}, fmt.Errorf("archival: decode segment %d: %w", i, err)
		}
		m.Segments = append(m.Segments, seg)
	}
	return m, nil
}

func decodeSegment(r *bytes.Reader) (SegmentMetadata, error) {
	var seg SegmentMetadata
	var err error
	if seg.BaseOffset, err = readInt64(r); err != nil {
		return seg, err
	}
	if seg.CommittedOffset, err = readInt64(r); err != nil {
		return seg, err
	}
	if seg.DeltaOffset, err = readInt32(r); err != nil {
		return seg, err
	}
	if seg.SizeBytes, err = readInt64(r); err != nil {
		return seg, err
	}
	tsNano, err := readInt64(r)
	if err != nil {
		return seg, err
	}
	seg.MaxTimestamp = time.Unix(0, tsNano).UTC()
	if seg.ArchiverTerm, err = readInt64(r); err != nil {
		return seg, err
	}
	if seg.SegmentTerm, err = readInt64(r); err != nil {
		return seg, err
	}
	compactedByte, err := r.ReadByte()
	if err != nil {
		return seg, err
	}
	seg.IsCompacted = compactedByte != 0
	if seg.Trailing, err = readBytes(r); err != nil {
		return seg, err
	}
	return seg, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeInt64(buf *bytes.Buffer, v int64) { writeUint64(buf, uint64(v)) }

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeInt32(buf *bytes.Buffer, v int32) { writeUint32(buf, uint32(v)) }

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readUint16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func readInt64(r *bytes.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

func readInt32(r *bytes.Reader) (int32, error) {
	v, err := readUint32(r)
	return int32(v), err
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	return string(b), err
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
