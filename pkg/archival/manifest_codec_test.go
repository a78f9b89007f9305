package archival

import (
	"bytes"
	"testing"
	"time"
)

func sampleManifest() Manifest {
	return Manifest{
		Identity: PartitionIdentity{
			Namespace:       "default",
			Topic:           "orders",
			Partition:       0,
			InitialRevision: 7,
		},
		Segments: []SegmentMetadata{
			{
				BaseOffset:      0,
				CommittedOffset: 499,
				DeltaOffset:     0,
				SizeBytes:       1024,
				MaxTimestamp:    time.Unix(1700000000, 0).UTC(),
				ArchiverTerm:    1,
				SegmentTerm:     1,
				IsCompacted:     false,
			},
			{
				BaseOffset:      500,
				CommittedOffset: 999,
				DeltaOffset:     2,
				SizeBytes:       2048,
				MaxTimestamp:    time.Unix(1700000100, 0).UTC(),
				ArchiverTerm:    1,
				SegmentTerm:     1,
				IsCompacted:     true,
			},
		},
		StartOffset:                 0,
		LastUploadedCompactedOffset: 999,
		InsyncOffset:                42,
	}
}

func TestManifestRoundTrip(t *testing.T) {
	m := sampleManifest()
	encoded := EncodeManifest(m)

	decoded, err := DecodeManifest(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	reencoded := EncodeManifest(decoded)

	if !bytes.Equal(encoded, reencoded) {
		t.Fatalf("round trip not byte-identical")
	}
	if decoded.Identity != m.Identity {
		t.Fatalf("identity mismatch: got %+v want %+v", decoded.Identity, m.Identity)
	}
	if len(decoded.Segments) != len(m.Segments) {
		t.Fatalf("segment count mismatch: got %d want %d", len(decoded.Segments), len(m.Segments))
	}
	if decoded.InsyncOffset != m.InsyncOffset {
		t.Fatalf("insync offset mismatch: got %d want %d", decoded.InsyncOffset, m.InsyncOffset)
	}
}

func TestManifestRoundTripPreservesUnknownTrailingFields(t *testing.T) {
	m := sampleManifest()
	m.Trailing = []byte("future-header-field")
	m.Segments[0].Trailing = []byte("future-segment-field")

	decoded, err := DecodeManifest(EncodeManifest(m))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(decoded.Trailing) != "future-header-field" {
		t.Fatalf("header trailing bytes not preserved: %q", decoded.Trailing)
	}
	if string(decoded.Segments[0].Trailing) != "future-segment-field" {
		t.Fatalf("segment trailing bytes not preserved: %q", decoded.Segments[0].Trailing)
	}
}

func TestDecodeManifestRejectsBadMagic(t *testing.T) {
	_, err := DecodeManifest([]byte{0, 0, 0, 0})
	if err == nil {
		t.Fatalf("expected error for bad magic")
	}
}

func TestDecodeManifestEmptySegments(t *testing.T) {
	m := Manifest{Identity: PartitionIdentity{Namespace: "default", Topic: "orders", Partition: 0}}
	decoded, err := DecodeManifest(EncodeManifest(m))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Segments) != 0 {
		t.Fatalf("expected no segments, got %d", len(decoded.Segments))
	}
}
