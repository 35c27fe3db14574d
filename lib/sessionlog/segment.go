// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessionlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/chorus/lib/codec"
)

// A sealed segment is an immutable archive of a finished session's
// journal: the records CBOR-encoded as one batch, compressed, and
// guarded by a keyed BLAKE3 hash of the uncompressed payload. The
// layout is:
//
//	offset 0   magic "CHS1" (4 bytes)
//	offset 4   compression tag (1 byte)
//	offset 5   uncompressed payload size, big-endian (8 bytes)
//	offset 13  BLAKE3 keyed hash of the uncompressed payload (32 bytes)
//	offset 45  compressed payload
//
// These values are format constants — changing them invalidates every
// existing segment.

// Compression identifies the algorithm used for a segment payload.
type Compression uint8

const (
	// CompressionNone stores the payload uncompressed. Used when the
	// compressed output would not be smaller than the input.
	CompressionNone Compression = 0

	// CompressionLZ4 uses LZ4 block compression. Fast seal and
	// restore at a modest ratio; the right choice when segments are
	// read back often.
	CompressionLZ4 Compression = 1

	// CompressionZstd uses zstd at the default level. The best ratio
	// for JSON-shaped conversation records and the default for
	// sealed segments.
	CompressionZstd Compression = 2
)

// String returns the human-readable name of a compression tag.
func (compression Compression) String() string {
	switch compression {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(compression))
	}
}

var segmentMagic = [4]byte{'C', 'H', 'S', '1'}

const segmentHeaderSize = 4 + 1 + 8 + 32

// segmentDomainKey is the BLAKE3 keyed-hash domain for segment
// payloads. ASCII, zero-padded to 32 bytes, so the key is inspectable
// in hex dumps without losing any cryptographic property.
var segmentDomainKey = [32]byte{
	'c', 'h', 'o', 'r', 'u', 's', '.', 's', 'e', 's', 's', 'i', 'o', 'n',
	'l', 'o', 'g', '.', 's', 'e', 'g', 'm', 'e', 'n', 't',
}

// ErrSegmentCorrupt is returned when a segment fails structural or
// hash validation.
var ErrSegmentCorrupt = errors.New("sessionlog: segment corrupt")

// zstd encoder/decoder are reused across calls; both are safe for
// concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("sessionlog: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("sessionlog: zstd decoder initialization failed: " + err.Error())
	}
}

// Seal writes records as a sealed segment at path. The file is
// written to a temporary name in the same directory and renamed into
// place, so a crash never leaves a half-written segment behind. When
// the requested compression does not shrink the payload, the segment
// falls back to CompressionNone.
func Seal(records []Record, path string, compression Compression) error {
	payload, err := codec.Marshal(records)
	if err != nil {
		return fmt.Errorf("encoding segment payload: %w", err)
	}

	compressed, used, err := compress(payload, compression)
	if err != nil {
		return err
	}

	hash := hashPayload(payload)

	buffer := make([]byte, segmentHeaderSize+len(compressed))
	copy(buffer[0:4], segmentMagic[:])
	buffer[4] = byte(used)
	binary.BigEndian.PutUint64(buffer[5:13], uint64(len(payload)))
	copy(buffer[13:45], hash[:])
	copy(buffer[segmentHeaderSize:], compressed)

	temporary := path + ".tmp"
	if err := os.WriteFile(temporary, buffer, 0o644); err != nil {
		return fmt.Errorf("writing segment %q: %w", path, err)
	}
	if err := os.Rename(temporary, path); err != nil {
		os.Remove(temporary)
		return fmt.Errorf("renaming segment %q: %w", path, err)
	}
	return nil
}

// SealJournal seals the live journal at journalPath into a segment at
// segmentPath and removes the journal on success. An empty or missing
// journal is an error: there is nothing to seal.
func SealJournal(journalPath, segmentPath string, compression Compression) error {
	records, err := ReadJournal(journalPath)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("journal %q has no records to seal", journalPath)
	}
	if err := Seal(records, segmentPath, compression); err != nil {
		return err
	}
	if err := os.Remove(journalPath); err != nil {
		return fmt.Errorf("removing sealed journal %q: %w", journalPath, err)
	}
	return nil
}

// ReadSegment loads a sealed segment, verifies its hash, and returns
// the records. Any structural defect, size mismatch, or hash mismatch
// reports ErrSegmentCorrupt.
func ReadSegment(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading segment %q: %w", path, err)
	}
	if len(data) < segmentHeaderSize {
		return nil, fmt.Errorf("segment %q: %d bytes is shorter than the header: %w",
			path, len(data), ErrSegmentCorrupt)
	}
	if [4]byte(data[0:4]) != segmentMagic {
		return nil, fmt.Errorf("segment %q: bad magic: %w", path, ErrSegmentCorrupt)
	}
	compression := Compression(data[4])
	uncompressedSize := binary.BigEndian.Uint64(data[5:13])
	var storedHash [32]byte
	copy(storedHash[:], data[13:45])

	payload, err := decompress(data[segmentHeaderSize:], compression, int(uncompressedSize))
	if err != nil {
		return nil, fmt.Errorf("segment %q: %w", path, err)
	}

	if hashPayload(payload) != storedHash {
		return nil, fmt.Errorf("segment %q: payload hash mismatch: %w", path, ErrSegmentCorrupt)
	}

	var records []Record
	if err := codec.Unmarshal(payload, &records); err != nil {
		return nil, fmt.Errorf("segment %q: decoding payload: %w", path, err)
	}
	return records, nil
}

// ListSegments returns the sealed segment paths under directory,
// sorted by name. Segment files carry the ".chs" extension.
func ListSegments(directory string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(directory, "*.chs"))
	if err != nil {
		return nil, fmt.Errorf("listing segments in %q: %w", directory, err)
	}
	return matches, nil
}

func hashPayload(payload []byte) [32]byte {
	hasher, err := blake3.NewKeyed(segmentDomainKey[:])
	if err != nil {
		panic("sessionlog: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(payload)
	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

func compress(payload []byte, compression Compression) ([]byte, Compression, error) {
	switch compression {
	case CompressionNone:
		return payload, CompressionNone, nil

	case CompressionLZ4:
		bound := lz4.CompressBlockBound(len(payload))
		destination := make([]byte, bound)
		written, err := lz4.CompressBlock(payload, destination, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("lz4 compress: %w", err)
		}
		// CompressBlock returns 0 for incompressible input.
		if written == 0 || written >= len(payload) {
			return payload, CompressionNone, nil
		}
		return destination[:written], CompressionLZ4, nil

	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(payload, nil)
		if len(compressed) >= len(payload) {
			return payload, CompressionNone, nil
		}
		return compressed, CompressionZstd, nil

	default:
		return nil, 0, fmt.Errorf("unsupported compression tag: %d", compression)
	}
}

func decompress(compressed []byte, compression Compression, uncompressedSize int) ([]byte, error) {
	switch compression {
	case CompressionNone:
		if len(compressed) != uncompressedSize {
			return nil, fmt.Errorf("uncompressed payload is %d bytes, header says %d: %w",
				len(compressed), uncompressedSize, ErrSegmentCorrupt)
		}
		return compressed, nil

	case CompressionLZ4:
		destination := make([]byte, uncompressedSize)
		read, err := lz4.UncompressBlock(compressed, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", errors.Join(err, ErrSegmentCorrupt))
		}
		if read != uncompressedSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, header says %d: %w",
				read, uncompressedSize, ErrSegmentCorrupt)
		}
		return destination, nil

	case CompressionZstd:
		destination := make([]byte, 0, uncompressedSize)
		result, err := zstdDecoder.DecodeAll(compressed, destination)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", errors.Join(err, ErrSegmentCorrupt))
		}
		if len(result) != uncompressedSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, header says %d: %w",
				len(result), uncompressedSize, ErrSegmentCorrupt)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("unsupported compression tag %d: %w", compression, ErrSegmentCorrupt)
	}
}
