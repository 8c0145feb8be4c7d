package dialback

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/quillpub/quill/internal/httpx"
	"github.com/quillpub/quill/models"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	require := require.New(t)
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	require.NoError(err)
	require.NoError(models.AutoMigrate(db))
	return db
}

func TestParseAuthorization(t *testing.T) {
	t.Run("host claim", func(t *testing.T) {
		require := require.New(t)
		auth, err := ParseAuthorization(`Dialback token="abc123", host="example.net"`)
		require.NoError(err)
		require.Equal("abc123", auth.Token)
		require.Equal("example.net", auth.Host)
		require.Equal("example.net", auth.Identity())
	})
	t.Run("webfinger claim", func(t *testing.T) {
		require := require.New(t)
		auth, err := ParseAuthorization(`Dialback token="abc123", webfinger="carol@example.net"`)
		require.NoError(err)
		require.Equal("carol@example.net", auth.Webfinger)
		require.Equal("carol@example.net", auth.Identity())
	})
	t.Run("wrong scheme", func(t *testing.T) {
		require := require.New(t)
		_, err := ParseAuthorization(`Bearer abc123`)
		require.Error(err)
	})
	t.Run("missing token", func(t *testing.T) {
		require := require.New(t)
		_, err := ParseAuthorization(`Dialback host="example.net"`)
		require.Error(err)
	})
	t.Run("missing identity", func(t *testing.T) {
		require := require.New(t)
		_, err := ParseAuthorization(`Dialback token="abc123"`)
		require.Error(err)
	})
	t.Run("quoted comma is tolerated", func(t *testing.T) {
		require := require.New(t)
		auth, err := ParseAuthorization(`Dialback token="abc,123", host="example.net"`)
		require.NoError(err)
		// best-effort split truncates at the comma, it must not fail
		require.Equal("abc", auth.Token)
		require.Equal("example.net", auth.Host)
	})
	t.Run("round trips through String", func(t *testing.T) {
		require := require.New(t)
		orig := &Authorization{Token: "abc123", Host: "example.net"}
		auth, err := ParseAuthorization(orig.String())
		require.NoError(err)
		require.Equal(orig, auth)
	})
}

func testAuthenticator(t *testing.T, db *gorm.DB) *Authenticator {
	t.Helper()
	a := NewAuthenticator(db, slog.Default())
	a.discover = func(ctx context.Context, auth *Authorization) (string, error) {
		return "https://example.net/api/dialback", nil
	}
	a.verify = func(ctx context.Context, endpoint string, form url.Values) error {
		return nil
	}
	return a
}

func signedRequest(token string, date time.Time) *http.Request {
	r := httptest.NewRequest("POST", "https://example.com/users/bob/inbox", strings.NewReader("{}"))
	r.Header.Set("Authorization", `Dialback token="`+token+`", host="example.net"`)
	r.Header.Set("Date", date.UTC().Format(http.TimeFormat))
	return r
}

func serve(a *Authenticator, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(w, r)
	return w
}

func TestAuthenticatorWindow(t *testing.T) {
	t.Run("date too far in past", func(t *testing.T) {
		require := require.New(t)
		a := testAuthenticator(t, setupTestDB(t))
		w := serve(a, signedRequest("tok1", time.Now().Add(-6*time.Minute)))
		require.Equal(http.StatusUnauthorized, w.Code)
	})
	t.Run("date too far in future", func(t *testing.T) {
		require := require.New(t)
		a := testAuthenticator(t, setupTestDB(t))
		w := serve(a, signedRequest("tok2", time.Now().Add(6*time.Minute)))
		require.Equal(http.StatusUnauthorized, w.Code)
	})
	t.Run("date inside window", func(t *testing.T) {
		require := require.New(t)
		a := testAuthenticator(t, setupTestDB(t))
		w := serve(a, signedRequest("tok3", time.Now()))
		require.Equal(http.StatusOK, w.Code)
	})
	t.Run("missing date header", func(t *testing.T) {
		require := require.New(t)
		a := testAuthenticator(t, setupTestDB(t))
		r := signedRequest("tok4", time.Now())
		r.Header.Del("Date")
		w := serve(a, r)
		require.Equal(http.StatusUnauthorized, w.Code)
	})
}

func TestAuthenticatorReplay(t *testing.T) {
	require := require.New(t)
	a := testAuthenticator(t, setupTestDB(t))

	date := time.Now()
	first := serve(a, signedRequest("tok", date))
	require.Equal(http.StatusOK, first.Code)

	second := serve(a, signedRequest("tok", date))
	require.Equal(http.StatusUnauthorized, second.Code)

	// a different token is a different tuple, not a replay
	third := serve(a, signedRequest("tok2", date))
	require.Equal(http.StatusOK, third.Code)
}

func TestAuthenticatorDiscoveryFailure(t *testing.T) {
	require := require.New(t)
	a := testAuthenticator(t, setupTestDB(t))
	a.discover = func(ctx context.Context, auth *Authorization) (string, error) {
		return "", context.DeadlineExceeded
	}
	w := serve(a, signedRequest("tok", time.Now()))
	require.Equal(http.StatusUnauthorized, w.Code)
}

func TestAuthenticatorSetsIdentity(t *testing.T) {
	require := require.New(t)
	a := testAuthenticator(t, setupTestDB(t))

	var gotHost, gotUser string
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = RemoteHost(r)
		gotUser = RemoteUser(r)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, signedRequest("tok", time.Now()))
	require.Equal("example.net", gotHost)
	require.Empty(gotUser)
}

func TestSignAndConfirm(t *testing.T) {
	require := require.New(t)
	db := setupTestDB(t)
	env := &models.Env{DB: db, Logger: slog.Default()}

	signer := NewHostSigner(db, "example.com")
	req := httptest.NewRequest("POST", "https://example.net/users/carol/inbox", nil)
	require.NoError(signer.Sign(req))
	require.NotEmpty(req.Header.Get("Date"))

	auth, err := ParseAuthorization(req.Header.Get("Authorization"))
	require.NoError(err)
	require.Equal("example.com", auth.Host)

	confirm := func(form url.Values) *httptest.ResponseRecorder {
		r := httptest.NewRequest("POST", "https://example.com/api/dialback", strings.NewReader(form.Encode()))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		httpx.HandlerFunc(func(*http.Request) *models.Env { return env }, Confirm).ServeHTTP(w, r)
		return w
	}

	t.Run("recorded tuple confirms", func(t *testing.T) {
		w := confirm(url.Values{
			"token": {auth.Token},
			"host":  {"example.com"},
			"url":   {"https://example.net/users/carol/inbox"},
			"date":  {req.Header.Get("Date")},
		})
		require.Equal(http.StatusNoContent, w.Code)
	})
	t.Run("unknown token does not", func(t *testing.T) {
		w := confirm(url.Values{
			"token": {"forged"},
			"host":  {"example.com"},
			"url":   {"https://example.net/users/carol/inbox"},
			"date":  {req.Header.Get("Date")},
		})
		require.Equal(http.StatusNotFound, w.Code)
	})
	t.Run("missing fields are rejected", func(t *testing.T) {
		w := confirm(url.Values{"token": {auth.Token}})
		require.Equal(http.StatusBadRequest, w.Code)
	})
	t.Run("future-dated tuple does not confirm", func(t *testing.T) {
		future := time.Now().Add(models.DialbackRequestWindow + time.Minute)
		w := confirm(url.Values{
			"token": {auth.Token},
			"host":  {"example.com"},
			"url":   {"https://example.net/users/carol/inbox"},
			"date":  {future.UTC().Format(http.TimeFormat)},
		})
		require.Equal(http.StatusNotFound, w.Code)
	})
}
