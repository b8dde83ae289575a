package messaging

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSinkPostsJSON(t *testing.T) {
	var got outbound
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewHTTPSink(srv.URL, time.Second)
	err := s.SendChoice(context.Background(), "+911", "Pick one", []Option{{ID: "1", Label: "Yes"}})
	require.NoError(t, err)
	assert.Equal(t, "choice", got.Type)
	assert.Equal(t, "+911", got.To)
	require.Len(t, got.Options, 1)
}

func TestHTTPSinkRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewHTTPSink(srv.URL, time.Second)
	require.NoError(t, s.SendText(context.Background(), "+911", "hello"))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPSinkClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewHTTPSink(srv.URL, time.Second)
	assert.Error(t, s.SendText(context.Background(), "+911", "hello"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRenderChoice(t *testing.T) {
	out := RenderChoice("Resume?", []Option{{ID: "resume", Label: "Resume"}, {ID: "fresh", Label: "Start fresh"}})
	assert.Equal(t, "Resume?\n1. Resume\n2. Start fresh", out)
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	_ = r.SendText(context.Background(), "a", "one")
	_ = r.SendText(context.Background(), "b", "two")
	assert.Len(t, r.Sent(), 2)
	assert.Len(t, r.To("a"), 1)
	r.Reset()
	assert.Empty(t, r.Sent())
}
