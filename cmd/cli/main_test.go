package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/and161185/evhub/internal/crypto"
	"github.com/and161185/evhub/internal/model"
)

func withTmpConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	return filepath.Join(dir, "evhub")
}

var testSecret = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

func Test_cfgDir_And_Paths(t *testing.T) {
	base := withTmpConfig(t)
	if got := cfgDir(); got != base {
		t.Fatalf("cfgDir=%q, want %q", got, base)
	}
	if !strings.HasPrefix(credPath(), base) || !strings.HasSuffix(credPath(), "key.json") {
		t.Fatalf("credPath unexpected: %s", credPath())
	}
}

func Test_creds_SaveLoad(t *testing.T) {
	_ = withTmpConfig(t)

	if _, err := loadCreds(); err == nil {
		t.Fatalf("expected error when key file missing")
	}
	if err := saveCreds(credFile{Token: "k1", Secret: testSecret}); err != nil {
		t.Fatalf("saveCreds: %v", err)
	}
	c, err := loadCreds()
	if err != nil || c.Token != "k1" || c.Secret != testSecret {
		t.Fatalf("loadCreds: %+v %v", c, err)
	}
	st, err := os.Stat(credPath())
	if err != nil || st.Mode().Perm() != 0o600 {
		t.Fatalf("key file perms: %v %v", st, err)
	}

	if err := saveCreds(credFile{Token: "k1"}); err != nil {
		t.Fatalf("saveCreds: %v", err)
	}
	if _, err := loadCreds(); err == nil {
		t.Fatalf("want error for incomplete key file")
	}
}

func Test_resolveCreds_FlagsWin(t *testing.T) {
	_ = withTmpConfig(t)
	_ = saveCreds(credFile{Token: "stored", Secret: testSecret})

	c, err := resolveCreds("flag", "c2VjcmV0")
	if err != nil || c.Token != "flag" {
		t.Fatalf("flags must win: %+v %v", c, err)
	}
	c, err = resolveCreds("", "")
	if err != nil || c.Token != "stored" {
		t.Fatalf("stored fallback: %+v %v", c, err)
	}
}

func Test_authFrame_Signed(t *testing.T) {
	t.Parallel()

	b, err := authFrame(credFile{Token: "k1", Secret: testSecret}, 1700000000123)
	if err != nil {
		t.Fatalf("authFrame: %v", err)
	}
	var f struct {
		Event string `json:"event"`
		Data  struct {
			APIKey    string `json:"api_key"`
			Nonce     int64  `json:"nonce"`
			Signature string `json:"signature"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &f); err != nil {
		t.Fatalf("frame json: %v", err)
	}
	if f.Event != model.EventAuth || f.Data.APIKey != "k1" || f.Data.Nonce != 1700000000123 {
		t.Fatalf("frame mismatch: %+v", f)
	}
	raw, _ := base64.StdEncoding.DecodeString(testSecret)
	if !crypto.VerifySignature(raw, "1700000000123", f.Data.Signature) {
		t.Fatalf("signature must cover the decimal nonce")
	}

	if _, err := authFrame(credFile{Token: "k1", Secret: "%%%"}, 1); err == nil {
		t.Fatalf("want error for undecodable secret")
	}
}

func Test_notification_Validation(t *testing.T) {
	t.Parallel()

	if _, err := notification("nope", "a@b", "", "{}"); err == nil {
		t.Fatalf("want unknown event error")
	}
	if _, err := notification(model.EventBrokerOrderNew, "", "", "{}"); err == nil {
		t.Fatalf("want missing identity error")
	}
	if _, err := notification(model.EventBrokerOrderNew, "a@b", "", "{"); err == nil {
		t.Fatalf("want invalid json error")
	}
	n, err := notification(model.EventUserInfoUpdate, "new@b", "old@b", `{"x":1}`)
	if err != nil || n.OldIdentity != "old@b" || string(n.Payload) != `{"x":1}` {
		t.Fatalf("notification: %+v %v", n, err)
	}
}

func Test_listen_PrintsFrames(t *testing.T) {
	t.Parallel()

	got := make(chan []byte, 1)
	up := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		got <- msg
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"event":"info","data":"authenticated!"}`))
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"event":"broker_order_new","data":{"id":1}}`))
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}))
	defer ts.Close()

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	if err := listen(ctx, url, credFile{Token: "k1", Secret: testSecret}, 42, &out); err != nil {
		t.Fatalf("listen: %v", err)
	}

	if !bytes.Contains(<-got, []byte(`"api_key":"k1"`)) {
		t.Fatalf("server did not receive the auth frame")
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], "authenticated!") || !strings.Contains(lines[1], "broker_order_new") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func Test_printJSON_WritesPretty(t *testing.T) {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	defer func() { os.Stdout = old }()

	printJSON(map[string]any{"a": 1})
	_ = w.Close()
	out, _ := io.ReadAll(r)

	var m map[string]any
	if json.Unmarshal(out, &m) != nil || m["a"] != float64(1) {
		t.Fatalf("printJSON produced invalid json: %s", string(out))
	}
	if !bytes.Contains(out, []byte("\n")) {
		t.Fatalf("printJSON should indent")
	}
}
