package queue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"odds/internal/types"
)

// Message bodies are JSON, zstd-compressed and base64 encoded. Summaries and
// long index lists stay well below the SQS size limit this way.
const (
	attrEncoding   = "encoding"
	encodingZstd   = "zstd+base64"
	attrJobID      = "job_id"
	attrUserEmail  = "user_email"
	maxMessageSize = 256 * 1024
)

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder

	decoderPool = sync.Pool{
		New: func() any {
			d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
			if err != nil {
				panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
			}
			return d
		},
	}
)

func zstdEncoder() *zstd.Encoder {
	encoderOnce.Do(func() {
		e, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			panic(fmt.Sprintf("failed to create zstd encoder: %v", err))
		}
		encoder = e
	})
	return encoder
}

// EncodeRequest renders req as a queue message body.
func EncodeRequest(req types.JobRequest) (string, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("queue: marshal job request: %w", err)
	}
	body := base64.StdEncoding.EncodeToString(zstdEncoder().EncodeAll(raw, nil))
	if len(body) > maxMessageSize {
		return "", fmt.Errorf("queue: job request %s encodes to %d bytes, over the %d byte limit", req.ID, len(body), maxMessageSize)
	}
	return body, nil
}

// DecodeRequest parses a message body produced by EncodeRequest.
func DecodeRequest(body string) (types.JobRequest, error) {
	var req types.JobRequest
	compressed, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return req, fmt.Errorf("queue: message body is not base64: %w", err)
	}
	d := decoderPool.Get().(*zstd.Decoder)
	defer decoderPool.Put(d)
	raw, err := d.DecodeAll(compressed, nil)
	if err != nil {
		return req, fmt.Errorf("queue: zstd decompression failed: %w", err)
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, fmt.Errorf("queue: unmarshal job request: %w", err)
	}
	if req.ID == "" {
		return req, fmt.Errorf("queue: job request has no id")
	}
	return req, nil
}
