package crm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

func TestMemoryContactStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryContactStore(types.Contact{ID: "c-1", FirstName: "Ada", Tags: []string{"lead"}})

	t.Run("tags", func(t *testing.T) {
		require.NoError(t, store.AddTag(ctx, "c-1", "customer"))
		require.NoError(t, store.AddTag(ctx, "c-1", "customer"))
		require.NoError(t, store.RemoveTag(ctx, "c-1", "lead"))
		c, err := store.GetContact(ctx, "c-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"customer"}, c.Tags)
	})

	t.Run("fields", func(t *testing.T) {
		require.NoError(t, store.SetField(ctx, "c-1", "email", "ada@example.com"))
		require.NoError(t, store.SetField(ctx, "c-1", "opted_out", true))
		assert.Error(t, store.SetField(ctx, "c-1", "opted_out", "yes"))
		assert.ErrorIs(t, store.SetField(ctx, "c-1", "shoe_size", 9), ErrUnknownField)

		require.NoError(t, store.SetCustomField(ctx, "c-1", "plan", "pro"))
		c, err := store.GetContact(ctx, "c-1")
		require.NoError(t, err)
		assert.Equal(t, "ada@example.com", c.Email)
		assert.True(t, c.OptedOut)
		assert.Equal(t, "pro", c.CustomFields["plan"])

		require.NoError(t, store.SetCustomField(ctx, "c-1", "plan", nil))
		c, err = store.GetContact(ctx, "c-1")
		require.NoError(t, err)
		assert.NotContains(t, c.CustomFields, "plan")
	})

	t.Run("returned contacts are copies", func(t *testing.T) {
		c, err := store.GetContact(ctx, "c-1")
		require.NoError(t, err)
		c.Tags[0] = "changed"
		again, err := store.GetContact(ctx, "c-1")
		require.NoError(t, err)
		assert.Equal(t, "customer", again.Tags[0])
	})

	t.Run("missing contact", func(t *testing.T) {
		_, err := store.GetContact(ctx, "nobody")
		assert.ErrorIs(t, err, ErrContactNotFound)
		assert.ErrorIs(t, store.AddTag(ctx, "nobody", "x"), ErrContactNotFound)
		assert.True(t, store.DeleteContact("c-1"))
		assert.False(t, store.DeleteContact("c-1"))
		assert.Empty(t, store.ListContacts())
	})
}

func TestHTTPMessenger(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		response   string
		wantResult SendResult
		wantErr    bool
	}{
		{name: "accepted", status: http.StatusAccepted, response: `{"message_id":"m-1"}`, wantResult: SendResult{Accepted: true, MessageID: "m-1"}},
		{name: "rejected", status: http.StatusUnprocessableEntity, response: `{"error":"invalid number"}`, wantResult: SendResult{Reason: "invalid number"}},
		{name: "rejected without reason", status: http.StatusBadRequest, response: ``, wantResult: SendResult{Reason: "rejected with status 400"}},
		{name: "server error", status: http.StatusBadGateway, response: `upstream down`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotKey, gotAuth string
			var gotMsg map[string]interface{}
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/messages", r.URL.Path)
				gotKey = r.Header.Get("Idempotency-Key")
				gotAuth = r.Header.Get("Authorization")
				body, _ := io.ReadAll(r.Body)
				_ = json.Unmarshal(body, &gotMsg)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.response))
			}))
			defer srv.Close()

			m := NewHTTPMessenger(srv.URL+"/", "secret", time.Second)
			result, err := m.Send(context.Background(), OutboundMessage{
				Channel: "sms", Recipient: "+15550100", Body: "hi", IdempotencyKey: "key-1",
			})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantResult, result)
			}
			assert.Equal(t, "key-1", gotKey)
			assert.Equal(t, "Bearer secret", gotAuth)
			assert.Equal(t, "+15550100", gotMsg["to"])
			assert.NotContains(t, gotMsg, "IdempotencyKey")
		})
	}

	t.Run("transport error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()
		_, err := NewHTTPMessenger(srv.URL, "", time.Second).Send(context.Background(), OutboundMessage{Channel: "sms"})
		assert.Error(t, err)
	})
}

func TestHTTPWebhookClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/slow":
			time.Sleep(200 * time.Millisecond)
		case "/echo":
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{
				"method": r.Method,
				"body":   string(body),
				"header": r.Header.Get("X-Token"),
				"key":    r.Header.Get("Idempotency-Key"),
			})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewHTTPWebhookClient(time.Second, 5*time.Second)
	ctx := context.Background()

	t.Run("echo", func(t *testing.T) {
		resp, err := client.Call(ctx, WebhookRequest{
			URL: srv.URL + "/echo", Method: "put", Body: `{"a":1}`,
			Headers: map[string]string{"X-Token": "t"}, IdempotencyKey: "k",
		})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.Status)
		var got map[string]string
		require.NoError(t, json.Unmarshal(resp.Body, &got))
		assert.Equal(t, map[string]string{"method": "PUT", "body": `{"a":1}`, "header": "t", "key": "k"}, got)
	})

	t.Run("non-2xx is a response", func(t *testing.T) {
		resp, err := client.Call(ctx, WebhookRequest{URL: srv.URL + "/missing"})
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.Status)
	})

	t.Run("timeout", func(t *testing.T) {
		_, err := client.Call(ctx, WebhookRequest{URL: srv.URL + "/slow", Timeout: 20 * time.Millisecond})
		assert.Error(t, err)
	})

	t.Run("invalid request", func(t *testing.T) {
		_, err := client.Call(ctx, WebhookRequest{URL: "::not a url", Method: "GET"})
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})
}
