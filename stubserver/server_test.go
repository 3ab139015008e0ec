package stubserver_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chatloop "github.com/chatloop-im/chatloop-go"
	"github.com/chatloop-im/chatloop-go/stubserver"
)

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	srv := stubserver.New(nil)
	rr := doJSON(t, srv.Handler(), http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestCheckUserValidation(t *testing.T) {
	srv := stubserver.New(nil)

	rr := doJSON(t, srv.Handler(), http.MethodPost, "/api/auth/check-user", `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, srv.Handler(), http.MethodPost, "/api/auth/check-user", `{"email":"nobody@example.com"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var result chatloop.CheckUserResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.False(t, result.Status)
	assert.Nil(t, result.User)
}

func TestOnboardUserDeduplicatesByEmail(t *testing.T) {
	srv := stubserver.New(nil)
	body := `{"email":"ana@example.com","name":"Ana"}`

	rr := doJSON(t, srv.Handler(), http.MethodPost, "/api/auth/onboard-user", body)
	require.Equal(t, http.StatusCreated, rr.Code)
	var first chatloop.CheckUserResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &first))
	require.NotNil(t, first.User)

	// Onboarding the same email again returns the existing account.
	rr = doJSON(t, srv.Handler(), http.MethodPost, "/api/auth/onboard-user", body)
	require.Equal(t, http.StatusCreated, rr.Code)
	var second chatloop.CheckUserResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &second))
	require.NotNil(t, second.User)
	assert.Equal(t, first.User.UserID, second.User.UserID)
}

func TestInitialContactsExcludesSelfAndSorts(t *testing.T) {
	srv := stubserver.New(nil)
	ana := srv.AddAccount("ana@example.com", "Ana", "", "")
	srv.AddAccount("cleo@example.com", "Cleo", "", "")
	srv.AddAccount("ben@example.com", "Ben", "", "")

	rr := doJSON(t, srv.Handler(), http.MethodGet, "/api/auth/get-initial-contacts/1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var result chatloop.ContactsResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))

	require.Len(t, result.Users, 2)
	for _, c := range result.Users {
		assert.NotEqual(t, ana.UserID, c.UserID)
	}
	assert.Less(t, result.Users[0].UserID, result.Users[1].UserID)
}

func TestAddMessageValidation(t *testing.T) {
	srv := stubserver.New(nil)

	rr := doJSON(t, srv.Handler(), http.MethodPost, "/api/messages/add-message", `{"from":1,"to":2}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, srv.Handler(), http.MethodPost, "/api/messages/add-message",
		`{"from":1,"to":2,"message":"hello"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	var result chatloop.MessageResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.Equal(t, 1, result.Message.ID)
	assert.Equal(t, chatloop.MessageText, result.Message.Kind)
	assert.False(t, result.Message.Read)
}

func TestGetMessagesIsSymmetric(t *testing.T) {
	srv := stubserver.New(nil)
	doJSON(t, srv.Handler(), http.MethodPost, "/api/messages/add-message",
		`{"from":1,"to":2,"message":"hello"}`)
	doJSON(t, srv.Handler(), http.MethodPost, "/api/messages/add-message",
		`{"from":2,"to":1,"message":"hi back"}`)
	doJSON(t, srv.Handler(), http.MethodPost, "/api/messages/add-message",
		`{"from":1,"to":3,"message":"other thread"}`)

	for _, path := range []string{
		"/api/messages/get-messages/1/2",
		"/api/messages/get-messages/2/1",
	} {
		rr := doJSON(t, srv.Handler(), http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, rr.Code)
		var result chatloop.MessagesResult
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
		require.Len(t, result.Messages, 2)
		assert.Equal(t, "hello", result.Messages[0].Body)
		assert.Equal(t, "hi back", result.Messages[1].Body)
	}
}

func TestAddImageMessageRequiresAddressing(t *testing.T) {
	srv := stubserver.New(nil)
	req := httptest.NewRequest(http.MethodPost, "/api/messages/add-image-message", bytes.NewReader(nil))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestImageNotFound(t *testing.T) {
	srv := stubserver.New(nil)
	rr := doJSON(t, srv.Handler(), http.MethodGet, "/images/no-such-ref", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
