package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/adcraft/internal/config"
	"github.com/digkill/adcraft/internal/models"
)

func fastPolicy(retries int) Policy {
	return Policy{
		MaxRetries:      retries,
		InitialInterval: time.Millisecond,
		Multiplier:      2,
		MaxInterval:     4 * time.Millisecond,
	}
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := config.Config{GatewayBaseURL: srv.URL, GatewayAPIKey: "test-key"}
	return NewClient(cfg, nil, WithPolicies(fastPolicy(2), fastPolicy(1)), WithPollInterval(time.Millisecond))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func apiError(code int, status, msg string) map[string]any {
	return map[string]any{"error": map[string]any{"code": code, "status": status, "message": msg}}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"quota", newError(ReasonQuota, 429, "x"), ClassPermanent},
		{"invalid argument", newError(ReasonInvalidArgument, 400, "x"), ClassPermanent},
		{"safety", newError(ReasonSafetyBlock, 0, "x"), ClassPermanent},
		{"malformed", newError(ReasonMalformed, 0, "x"), ClassPermanent},
		{"empty", newError(ReasonEmpty, 0, "x"), ClassPermanent},
		{"unavailable", newError(ReasonUnavailable, 503, "x"), ClassTransient},
		{"internal", newError(ReasonInternal, 500, "x"), ClassTransient},
		{"timeout", newError(ReasonTimeout, 504, "x"), ClassTransient},
		{"network", newError(ReasonNetwork, 0, "x"), ClassTransient},
		{"wrapped transient", fmt.Errorf("image: %w", newError(ReasonUnavailable, 503, "x")), ClassTransient},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, ClassTransient},
		{"canceled", context.Canceled, ClassPermanent},
		{"unknown", errors.New("boom"), ClassPermanent},
		{"nil", nil, ClassPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestErrorIsClass(t *testing.T) {
	err := fmt.Errorf("wrap: %w", newError(ReasonSafetyBlock, 0, "blocked"))
	assert.ErrorIs(t, err, ErrGenerationPermanent)
	assert.NotErrorIs(t, err, ErrGenerationTransient)

	reason, ok := ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, ReasonSafetyBlock, reason)
}

func TestCall_RetriesTransientThenSucceeds(t *testing.T) {
	var attempts int
	var notified int
	p := fastPolicy(3)
	p.Notify = func(error, time.Duration) { notified++ }

	got, err := Call(context.Background(), p, func(context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", newError(ReasonUnavailable, 503, "busy")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, notified)
}

func TestCall_PermanentIsNotRetried(t *testing.T) {
	var attempts int
	_, err := Call(context.Background(), fastPolicy(3), func(context.Context) (int, error) {
		attempts++
		return 0, newError(ReasonQuota, 429, "quota")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	reason, ok := ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, ReasonQuota, reason)
}

func TestCall_ExhaustsRetries(t *testing.T) {
	var attempts int
	_, err := Call(context.Background(), fastPolicy(2), func(context.Context) (int, error) {
		attempts++
		return 0, newError(ReasonInternal, 500, "oops")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.ErrorIs(t, err, ErrGenerationTransient)
}

func TestValidate(t *testing.T) {
	text := &models.Artifact{Kind: models.AssetText, Text: "hi"}

	assert.NoError(t, Validate(Verdict{FinishReason: "STOP"}, text))
	assert.NoError(t, Validate(Verdict{}, text))

	tests := []struct {
		name    string
		verdict Verdict
		art     *models.Artifact
		want    Reason
	}{
		{"blocked prompt", Verdict{BlockReason: "SAFETY"}, text, ReasonSafetyBlock},
		{"safety finish", Verdict{FinishReason: "SAFETY"}, text, ReasonSafetyBlock},
		{"max tokens", Verdict{FinishReason: "MAX_TOKENS"}, text, ReasonAbnormalStop},
		{"empty text", Verdict{FinishReason: "STOP"}, &models.Artifact{Kind: models.AssetText}, ReasonEmpty},
		{"nil artifact", Verdict{}, nil, ReasonEmpty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.verdict, tt.art)
			require.Error(t, err)
			reason, _ := ReasonOf(err)
			assert.Equal(t, tt.want, reason)
			assert.Equal(t, ClassPermanent, Classify(err))
		})
	}
}

func TestGenerateText_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/generate/text", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusServiceUnavailable, apiError(503, "UNAVAILABLE", "overloaded"))
			return
		}
		var req TextRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		writeJSON(w, http.StatusOK, map[string]any{"text": "Post about " + req.Prompt, "finish_reason": "STOP"})
	}))

	art, err := c.GenerateText(context.Background(), TextRequest{Prompt: "shoes"})

	require.NoError(t, err)
	assert.Equal(t, "Post about shoes", art.Text)
	assert.Equal(t, models.AssetText, art.Kind)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGenerateText_QuotaIsPermanent(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusTooManyRequests, apiError(429, "RESOURCE_EXHAUSTED", "quota exceeded"))
	}))

	_, err := c.GenerateText(context.Background(), TextRequest{Prompt: "x"})

	require.Error(t, err)
	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, ReasonQuota, gwErr.Reason)
	assert.Equal(t, http.StatusTooManyRequests, gwErr.Status)
	assert.Equal(t, "quota exceeded", gwErr.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGenerateText_SoftFailures(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
		want Reason
	}{
		{"blocked", map[string]any{"text": "", "block_reason": "SAFETY"}, ReasonSafetyBlock},
		{"empty", map[string]any{"text": "", "finish_reason": "STOP"}, ReasonEmpty},
		{"abnormal stop", map[string]any{"text": "half a sent", "finish_reason": "MAX_TOKENS"}, ReasonAbnormalStop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				writeJSON(w, http.StatusOK, tt.body)
			}))

			_, err := c.GenerateText(context.Background(), TextRequest{Prompt: "x"})

			reason, ok := ReasonOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.want, reason)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestGenerateText_MalformedBody(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "<html>not json</html>")
	}))

	_, err := c.GenerateText(context.Background(), TextRequest{Prompt: "x"})

	reason, _ := ReasonOf(err)
	assert.Equal(t, ReasonMalformed, reason)
}

func TestGenerateStructured(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req TextRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Prompt == "bad" {
			writeJSON(w, http.StatusOK, map[string]any{"text": "{not json", "finish_reason": "STOP"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"text": `{"headline":"Go fast"}`, "finish_reason": "STOP"})
	}))
	schema := json.RawMessage(`{"type":"object"}`)

	art, err := c.GenerateStructured(context.Background(), TextRequest{Prompt: "ad", Schema: schema})
	require.NoError(t, err)
	assert.Equal(t, models.AssetStructured, art.Kind)
	assert.JSONEq(t, `{"headline":"Go fast"}`, art.Text)

	_, err = c.GenerateStructured(context.Background(), TextRequest{Prompt: "bad", Schema: schema})
	reason, _ := ReasonOf(err)
	assert.Equal(t, ReasonMalformed, reason)

	_, err = c.GenerateStructured(context.Background(), TextRequest{Prompt: "ad"})
	reason, _ = ReasonOf(err)
	assert.Equal(t, ReasonInvalidArgument, reason)
}

func TestGenerateImage_InlineData(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"images":        []map[string]any{{"mime_type": "image/png", "data": "aGVsbG8="}},
			"finish_reason": "STOP",
		})
	}))

	art, err := c.GenerateImage(context.Background(), ImageRequest{Prompt: "logo"})

	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), art.Bytes)
	assert.Equal(t, "image/png", art.MIME)
}

func TestGenerateImage_NoImages(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"images": []any{}})
	}))

	_, err := c.GenerateImage(context.Background(), ImageRequest{Prompt: "logo"})

	reason, _ := ReasonOf(err)
	assert.Equal(t, ReasonEmpty, reason)
}

func TestStreamText(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		for _, text := range []string{"", "", "hello", " world"} {
			fmt.Fprintf(w, "data: {\"text\":%q}\n\n", text)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))

	stream, err := c.StreamText(context.Background(), TextRequest{Prompt: "x"})
	require.NoError(t, err)
	defer stream.Close()

	var got []string
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, chunk.Text)
	}
	assert.Equal(t, []string{"", "", "hello", " world"}, got)
}

func TestStreamText_FinalLineWithoutNewline(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"text\":\"hi\"}\n\n")
		fmt.Fprint(w, "data: {\"text\":\" there\",\"finish_reason\":\"STOP\"}")
	}))

	stream, err := c.StreamText(context.Background(), TextRequest{Prompt: "x"})
	require.NoError(t, err)
	defer stream.Close()

	first, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "hi", first.Text)

	last, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, Chunk{Text: " there", FinishReason: "STOP"}, last)

	_, err = stream.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamText_BlockedMidStream(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"text\":\"hi\"}\n\n")
		fmt.Fprint(w, "data: {\"text\":\"\",\"finish_reason\":\"SAFETY\"}\n\n")
	}))

	stream, err := c.StreamText(context.Background(), TextRequest{Prompt: "x"})
	require.NoError(t, err)
	defer stream.Close()

	chunk, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "hi", chunk.Text)

	_, err = stream.Next()
	reason, _ := ReasonOf(err)
	assert.Equal(t, ReasonSafetyBlock, reason)
}

func TestGenerateVideo_PollsUntilDone(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/operations/video", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"name": "op-1"})
	})
	mux.HandleFunc("/v1/operations/op-1", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 3 {
			writeJSON(w, http.StatusOK, map[string]any{"name": "op-1", "done": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"name": "op-1",
			"done": true,
			"response": map[string]any{
				"video": map[string]any{"uri": "https://cdn.example.com/v.mp4"},
			},
		})
	})
	c := newTestClient(t, mux)

	art, err := c.GenerateVideo(context.Background(), VideoRequest{Prompt: "teaser"})

	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/v.mp4", art.URL)
	assert.Equal(t, "video/mp4", art.MIME)
	assert.Equal(t, int32(3), polls.Load())
}

func TestGenerateVideo_OperationFailed(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/operations/video", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"name": "op-2"})
	})
	mux.HandleFunc("/v1/operations/op-2", func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{
			"name":  "op-2",
			"done":  true,
			"error": map[string]any{"code": 3, "message": "prompt rejected"},
		})
	})
	c := newTestClient(t, mux)

	_, err := c.GenerateVideo(context.Background(), VideoRequest{Prompt: "teaser"})

	reason, _ := ReasonOf(err)
	assert.Equal(t, ReasonOperationFailed, reason)
	assert.Equal(t, int32(1), polls.Load())
}
