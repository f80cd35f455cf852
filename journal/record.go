package journal

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	voicerelay "github.com/wolfeidau/voice-relay"
)

const (
	// compressionThreshold is the minimum text size before compression
	// is considered. zstd overhead is not worth it below this.
	compressionThreshold = 2048

	// maxTextSize is the maximum allowed uncompressed text size.
	maxTextSize = 10 * 1024 * 1024

	// maxDecompressedSize is the hard cap during decompression to
	// prevent compression bombs.
	maxDecompressedSize = 10 * 1024 * 1024
)

var (
	// ErrTextTooLarge is returned when utterance text exceeds
	// maxTextSize.
	ErrTextTooLarge = errors.New("utterance text exceeds maximum size")

	// ErrDecompressionBomb is returned when decompressed text exceeds
	// the limit.
	ErrDecompressionBomb = errors.New("decompressed text exceeds maximum size")

	// ErrCorrupted is returned when a record's text hash does not match
	// its text.
	ErrCorrupted = errors.New("utterance text hash mismatch")
)

// Utterance is one journal record: a speak request that produced an
// audio artifact.
type Utterance struct {
	ID        voicerelay.ArtifactID `json:"id"`
	TextHash  voicerelay.Hash       `json:"text_hash"`
	Text      string                `json:"text"`
	Format    voicerelay.Format     `json:"format"`
	Size      int64                 `json:"size"`
	CreatedAt time.Time             `json:"created_at"`
}

// textEncoding identifies how record text is stored.
type textEncoding uint64

const (
	encodingIdentity textEncoding = 0
	encodingZstd     textEncoding = 1
)

// textCodec compresses utterance text when beneficial. Encoder and
// decoder are pooled and goroutine-safe.
type textCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

func newTextCodec() (*textCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	// The decoder enforces the bomb cap itself, so the output buffer
	// never grows past the limit even for hostile frames.
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecompressedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &textCodec{encoder: enc, decoder: dec}, nil
}

func (c *textCodec) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

func (c *textCodec) encode(data []byte) ([]byte, textEncoding, error) {
	if len(data) > maxTextSize {
		return nil, encodingIdentity, ErrTextTooLarge
	}

	if len(data) < compressionThreshold {
		return data, encodingIdentity, nil
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if enc == nil {
		return data, encodingIdentity, nil
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, encodingIdentity, nil
	}
	return compressed, encodingZstd, nil
}

func (c *textCodec) decode(data []byte, encoding textEncoding) ([]byte, error) {
	switch encoding {
	case encodingIdentity:
		return data, nil
	case encodingZstd:
	default:
		return nil, fmt.Errorf("unsupported text encoding: %d", encoding)
	}

	c.mu.RLock()
	dec := c.decoder
	c.mu.RUnlock()

	if dec == nil {
		return nil, errors.New("decoder not initialized")
	}

	decompressed, err := dec.DecodeAll(data, nil)
	if err != nil {
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
			return nil, ErrDecompressionBomb
		}
		return nil, fmt.Errorf("decompressing text: %w", err)
	}
	if len(decompressed) > maxDecompressedSize {
		return nil, ErrDecompressionBomb
	}
	return decompressed, nil
}

// Wire field numbers for the utterance record. The layout is stable;
// unknown fields are skipped on decode so old binaries read new records.
const (
	fieldID        = 1
	fieldTextHash  = 2
	fieldText      = 3
	fieldEncoding  = 4
	fieldFormat    = 5
	fieldSize      = 6
	fieldCreatedAt = 7
)

func encodeUtterance(u Utterance, codec *textCodec) ([]byte, error) {
	text, encoding, err := codec.encode([]byte(u.Text))
	if err != nil {
		return nil, err
	}

	var buf []byte
	buf = protowire.AppendTag(buf, fieldID, protowire.BytesType)
	buf = protowire.AppendString(buf, string(u.ID))
	buf = protowire.AppendTag(buf, fieldTextHash, protowire.BytesType)
	buf = protowire.AppendBytes(buf, u.TextHash[:])
	buf = protowire.AppendTag(buf, fieldText, protowire.BytesType)
	buf = protowire.AppendBytes(buf, text)
	buf = protowire.AppendTag(buf, fieldEncoding, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(encoding))
	buf = protowire.AppendTag(buf, fieldFormat, protowire.BytesType)
	buf = protowire.AppendString(buf, string(u.Format))
	buf = protowire.AppendTag(buf, fieldSize, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(u.Size))
	buf = protowire.AppendTag(buf, fieldCreatedAt, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(u.CreatedAt.UnixNano()))
	return buf, nil
}

func decodeUtterance(data []byte, codec *textCodec) (Utterance, error) {
	var (
		u        Utterance
		text     []byte
		encoding textEncoding
	)

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return u, fmt.Errorf("decoding record tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return u, fmt.Errorf("decoding record id: %w", protowire.ParseError(n))
			}
			u.ID = voicerelay.ArtifactID(v)
			data = data[n:]
		case num == fieldTextHash && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return u, fmt.Errorf("decoding record text hash: %w", protowire.ParseError(n))
			}
			copy(u.TextHash[:], v)
			data = data[n:]
		case num == fieldText && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return u, fmt.Errorf("decoding record text: %w", protowire.ParseError(n))
			}
			text = v
			data = data[n:]
		case num == fieldEncoding && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return u, fmt.Errorf("decoding record encoding: %w", protowire.ParseError(n))
			}
			encoding = textEncoding(v)
			data = data[n:]
		case num == fieldFormat && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return u, fmt.Errorf("decoding record format: %w", protowire.ParseError(n))
			}
			u.Format = voicerelay.Format(v)
			data = data[n:]
		case num == fieldSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return u, fmt.Errorf("decoding record size: %w", protowire.ParseError(n))
			}
			u.Size = int64(v)
			data = data[n:]
		case num == fieldCreatedAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return u, fmt.Errorf("decoding record created_at: %w", protowire.ParseError(n))
			}
			u.CreatedAt = time.Unix(0, int64(v)).UTC()
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return u, fmt.Errorf("skipping record field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	raw, err := codec.decode(text, encoding)
	if err != nil {
		return u, err
	}
	u.Text = string(raw)

	if !u.TextHash.IsZero() && voicerelay.HashText(u.Text) != u.TextHash {
		return u, ErrCorrupted
	}
	return u, nil
}
