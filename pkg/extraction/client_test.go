package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gradeflow/gradeflow-api/pkg/faults"
)

const validRubricPayload = `{
  "exam_metadata": {"exam_name": "Midterm", "total_marks": "10"},
  "questions": [
    {
      "question_no": "1",
      "question_text_plain": "Solve for x",
      "max_marks": "10",
      "step_marking": [
        {"marksplit": 4, "step_wise_answer": "isolate x"},
        {"marksplit": 6, "step_wise_answer": "substitute"}
      ]
    }
  ]
}`

func newTestClient(t *testing.T, baseURL string, maxAttempts uint64) *Client {
	t.Helper()
	client, err := New(Config{
		BaseURL:             baseURL,
		APIKey:              "test-key",
		PollInitialInterval: time.Millisecond,
		PollMaxInterval:     5 * time.Millisecond,
		PollMaxAttempts:     maxAttempts,
		Logger:              zerolog.Nop(),
	})
	require.NoError(t, err)
	return client
}

func markerServer(t *testing.T, pendingPolls int32, final statusResponse) *httptest.Server {
	t.Helper()
	var polls int32
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)

	mux.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		require.NoError(t, r.ParseMultipartForm(1 << 20))
		require.Equal(t, "json", r.FormValue("output_format"))
		require.NotEmpty(t, r.FormValue("page_schema"))
		_ = json.NewEncoder(w).Encode(submitResponse{
			Success:   true,
			RequestID: "req-1",
			CheckURL:  server.URL + "/check",
		})
	})
	mux.HandleFunc("/check", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&polls, 1) <= pendingPolls {
			_ = json.NewEncoder(w).Encode(statusResponse{Status: "processing"})
			return
		}
		_ = json.NewEncoder(w).Encode(final)
	})
	return server
}

func TestExtractCompletesAfterPendingPolls(t *testing.T) {
	server := markerServer(t, 2, statusResponse{Status: "complete", ExtractionJSON: validRubricPayload})
	defer server.Close()

	client := newTestClient(t, server.URL+"/submit", 10)
	payload, err := client.Extract(context.Background(), Document{Name: "rubric.pdf", Data: []byte("%PDF")}, RubricSchema())
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &decoded))
	require.Contains(t, decoded, "questions")
}

func TestExtractSurfacesServiceFailure(t *testing.T) {
	server := markerServer(t, 0, statusResponse{Status: "error", Error: "unreadable scan"})
	defer server.Close()

	client := newTestClient(t, server.URL+"/submit", 10)
	_, err := client.Extract(context.Background(), Document{Name: "rubric.pdf", Data: []byte("%PDF")}, RubricSchema())
	require.Error(t, err)
	require.Equal(t, faults.KindExtractionFailed, faults.KindOf(err))
	require.Contains(t, faults.Reason(err), "unreadable scan")
}

func TestExtractTimesOutAfterAttemptBudget(t *testing.T) {
	server := markerServer(t, 1000, statusResponse{})
	defer server.Close()

	client := newTestClient(t, server.URL+"/submit", 3)
	_, err := client.Extract(context.Background(), Document{Name: "rubric.pdf", Data: []byte("%PDF")}, RubricSchema())
	require.Error(t, err)
	require.Equal(t, faults.KindExtractionTimeout, faults.KindOf(err))
}

func TestExtractRejectsPayloadViolatingSchema(t *testing.T) {
	server := markerServer(t, 0, statusResponse{Status: "complete", ExtractionJSON: `{"questions": "not-an-array"}`})
	defer server.Close()

	client := newTestClient(t, server.URL+"/submit", 10)
	_, err := client.Extract(context.Background(), Document{Name: "rubric.pdf", Data: []byte("%PDF")}, RubricSchema())
	require.Error(t, err)
	require.Equal(t, faults.KindExtractionFailed, faults.KindOf(err))
}

func TestSubmitMapsRateLimitToTransientFault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 10)
	_, err := client.Submit(context.Background(), Document{Name: "a.pdf", Data: []byte("%PDF")}, AnswerSchema())
	require.Error(t, err)
	require.Equal(t, faults.KindRateLimited, faults.KindOf(err))
	require.True(t, faults.IsTransient(err))
}

func TestSubmitMapsServerErrorToTransientFault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "<html><body>upstream unavailable</body></html>")
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 10)
	_, err := client.Submit(context.Background(), Document{Name: "a.pdf", Data: []byte("%PDF")}, AnswerSchema())
	require.Error(t, err)
	require.True(t, faults.IsTransient(err), "a 5xx must stay retryable")
	require.NotEqual(t, faults.KindExtractionFailed, faults.KindOf(err))
	require.Contains(t, err.Error(), "503")
}

func TestSubmitMapsClientErrorToFinalFault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 10)
	_, err := client.Submit(context.Background(), Document{Name: "a.pdf", Data: []byte("%PDF")}, AnswerSchema())
	require.Error(t, err)
	require.Equal(t, faults.KindExtractionFailed, faults.KindOf(err))
	require.False(t, faults.IsTransient(err))
}

func TestExtractRetriesPollThroughServerError(t *testing.T) {
	var polls int32
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(submitResponse{Success: true, RequestID: "req-1", CheckURL: server.URL + "/check"})
	})
	mux.HandleFunc("/check", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&polls, 1) <= 2 {
			w.Header().Set("Content-Type", "text/html")
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(w, "<html>bad gateway</html>")
			return
		}
		_ = json.NewEncoder(w).Encode(statusResponse{Status: "complete", ExtractionJSON: validRubricPayload})
	})

	client := newTestClient(t, server.URL+"/submit", 10)
	payload, err := client.Extract(context.Background(), Document{Name: "rubric.pdf", Data: []byte("%PDF")}, RubricSchema())
	require.NoError(t, err)
	require.NotEmpty(t, payload)
	require.Equal(t, int32(3), atomic.LoadInt32(&polls))
}

func TestSubmitRejectedByService(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(submitResponse{Success: false, Error: "invalid api key"})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 10)
	_, err := client.Submit(context.Background(), Document{Name: "a.pdf", Data: []byte("%PDF")}, AnswerSchema())
	require.Error(t, err)
	require.Equal(t, faults.KindExtractionFailed, faults.KindOf(err))
	require.Contains(t, err.Error(), "invalid api key")
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "api key")
}

func TestPollParsesStates(t *testing.T) {
	states := []struct {
		body string
		want Status
	}{
		{`{"status": "processing"}`, StatusPending},
		{`{"status": "complete", "extraction_schema_json": "{}"}`, StatusComplete},
		{`{"status": "error", "error": "boom"}`, StatusFailed},
	}

	for _, tc := range states {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, tc.body)
		}))
		client := newTestClient(t, server.URL, 10)
		result, err := client.Poll(context.Background(), Job{RequestID: "r", CheckURL: server.URL})
		require.NoError(t, err)
		require.Equal(t, tc.want, result.State)
		server.Close()
	}
}
