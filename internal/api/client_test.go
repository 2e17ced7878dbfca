package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studydash/callengine/internal/chat"
)

func TestSend_PostsToConversation(t *testing.T) {
	var got sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/conversations/c1/messages", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"data":{"id":"m1","conversation_id":"c1","sender_id":"me","body_text":"hi","kind":"chat"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", nil)
	m, err := c.Send(context.Background(), chat.Direct("c1"), "hi", chat.KindChat)

	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "c1", m.ConversationID)
	assert.Equal(t, "hi", got.BodyText)
	assert.Equal(t, chat.KindChat, got.Kind)
	assert.NotEmpty(t, got.TempID)
}

func TestHistory_Group(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/groups/g1/messages", r.URL.Path)
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"data":[{"id":"a","group_id":"g1","body_text":"one"},{"id":"b","group_id":"g1","body_text":"two"}]}`))
	}))
	defer srv.Close()

	msgs, err := NewClient(srv.URL, "", nil).History(context.Background(), chat.Group("g1"), 50)

	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "g1", msgs[1].GroupID)
	assert.Equal(t, "two", msgs[1].BodyText)
}

func TestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":"forbidden","message":"not a member"}}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "tok", nil).Send(context.Background(), chat.Group("g1"), "x", chat.KindChat)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusForbidden, se.StatusCode)
	assert.Equal(t, "forbidden", se.Code)
	assert.Equal(t, "not a member", se.Message)
}

func TestSend_RequiresTarget(t *testing.T) {
	_, err := NewClient("http://unused", "", nil).Send(context.Background(), chat.Target{}, "x", chat.KindChat)
	assert.ErrorIs(t, err, chat.ErrNoTarget)
}

func TestLogin(t *testing.T) {
	exp := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/auth/login", r.URL.Path)
		var req loginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "alice", req.UserID)
		_ = json.NewEncoder(w).Encode(map[string]any{"data": LoginResponse{Token: "jwt", ExpiresAt: exp}})
	}))
	defer srv.Close()

	out, err := NewClient(srv.URL, "", nil).Login(context.Background(), "alice", "Alice")

	require.NoError(t, err)
	assert.Equal(t, "jwt", out.Token)
	assert.True(t, exp.Equal(out.ExpiresAt))
}
