package telegrambot

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botrelay/internal/domain"
	"botrelay/internal/transport"
	logx "botrelay/pkg/logx"
)

type fakeAPI struct {
	mu     sync.Mutex
	revoke bool
	sent   []string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if f.revoke {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
		return
	}
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		_, _ = io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"relay","username":"relay_bot"}}`)
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		body, _ := io.ReadAll(r.Body)
		f.sent = append(f.sent, string(body))
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":5,"type":"private"},"text":"ok"}}`)
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"ok":false,"error_code":404,"description":"Not Found"}`)
	}
}

func TestTransportAgainstFakeAPI(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	f := Factory(Options{APIURL: srv.URL}, logx.Nop())
	tr, err := f(domain.Account{ID: "b1", Kind: domain.KindTelegramBot, Credential: []byte("123:abc")})
	require.NoError(t, err)

	ctx := context.Background()
	assert.True(t, transport.IsConnection(tr.Send(ctx, "5", "hi")), "send before connect")

	require.NoError(t, tr.Connect(ctx))
	require.NoError(t, tr.Ping(ctx))
	require.NoError(t, tr.Send(ctx, "5", "hello"))

	api.mu.Lock()
	require.Len(t, api.sent, 1)
	assert.Contains(t, api.sent[0], "hello")
	api.revoke = true
	api.mu.Unlock()

	err = tr.Ping(ctx)
	assert.ErrorIs(t, err, domain.ErrTerminalLogout)

	require.NoError(t, tr.Close())
}

func TestFactoryRejectsEmptyToken(t *testing.T) {
	_, err := Factory(Options{}, logx.Nop())(domain.Account{ID: "b1", Kind: domain.KindTelegramBot})
	assert.Error(t, err)
}

func TestSplitText(t *testing.T) {
	long := strings.Repeat("a", 3000) + "\n" + strings.Repeat("b", 3000)
	parts := splitText(long, textLimit)
	require.Len(t, parts, 2)
	assert.Equal(t, strings.Repeat("a", 3000), parts[0])
	assert.Equal(t, strings.Repeat("b", 3000), parts[1])
	assert.Equal(t, []string{"short"}, splitText("short", textLimit))
}
