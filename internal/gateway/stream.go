package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

// Chunk is one partial result of a streamed generation.
type Chunk struct {
	Text         string
	FinishReason string
}

// Stream yields chunks until io.EOF. Close must always be called.
type Stream interface {
	Next() (Chunk, error)
	Close() error
}

type streamChunk struct {
	Text         string     `json:"text"`
	FinishReason string     `json:"finish_reason"`
	BlockReason  string     `json:"block_reason"`
	Error        *apiStatus `json:"error"`
}

// StreamText opens a streamed text generation. Opening the stream is retried
// like any other call; failures after the first byte are not.
func (c *Client) StreamText(ctx context.Context, req TextRequest) (Stream, error) {
	return call(ctx, c, "text_stream", c.policy, func(ctx context.Context) (Stream, error) {
		resp, err := c.do(ctx, http.MethodPost, "/v1/generate/text:stream", req, "text/event-stream")
		if err != nil {
			return nil, err
		}
		return &sseStream{
			reader: bufio.NewReader(resp.Body),
			body:   resp.Body,
		}, nil
	})
}

// sseStream parses Server-Sent Events from an HTTP response body.
type sseStream struct {
	reader *bufio.Reader
	body   io.ReadCloser
	eof    bool
}

func (s *sseStream) Next() (Chunk, error) {
	for {
		if s.eof {
			return Chunk{}, io.EOF
		}
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return Chunk{}, &Error{Reason: ReasonNetwork, Message: "read stream", Err: err}
			}
			// The last line may arrive without a trailing newline.
			s.eof = true
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return Chunk{}, io.EOF
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // skip malformed chunks
		}
		if chunk.Error != nil {
			reason, ok := reasonFromStatus(chunk.Error.Status)
			if !ok {
				reason = ReasonInternal
			}
			return Chunk{}, newError(reason, chunk.Error.Code, chunk.Error.Message)
		}
		if err := (Verdict{BlockReason: chunk.BlockReason, FinishReason: chunk.FinishReason}).check(); err != nil {
			return Chunk{}, err
		}
		return Chunk{Text: chunk.Text, FinishReason: chunk.FinishReason}, nil
	}
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
