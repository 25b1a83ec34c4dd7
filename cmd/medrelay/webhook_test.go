package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeTestConfig writes a minimal valid config pointing the Bot API at url.
func writeTestConfig(t *testing.T, apiURL string) string {
	t.Helper()
	cfg := fmt.Sprintf(`transport:
  platform: telegram
telegram:
  token: "123:abc"
  api_base_url: %q
  webhook_url: https://relay.example.com/webhook/telegram
  webhook_secret: hook-secret
assistant:
  api_key: sk-test
  assistant_id: asst_1
admin:
  auth_token: admintok
`, apiURL)
	path := filepath.Join(t.TempDir(), "medrelay.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestWebhookSetCmd(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{"ok":true,"result":true}`)
	}))
	defer srv.Close()

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"webhook", "set", "--config", writeTestConfig(t, srv.URL)})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("webhook set failed: %v", err)
	}
	if gotPath != "/bot123:abc/setWebhook" {
		t.Errorf("path = %q, want /bot123:abc/setWebhook", gotPath)
	}
	if gotBody["url"] != "https://relay.example.com/webhook/telegram" {
		t.Errorf("url = %v, want config webhook_url", gotBody["url"])
	}
	if gotBody["secret_token"] != "hook-secret" {
		t.Errorf("secret_token = %v, want hook-secret", gotBody["secret_token"])
	}
	if !strings.Contains(buf.String(), "Webhook set") {
		t.Errorf("output = %q, want confirmation", buf.String())
	}
}

func TestWebhookDeleteCmd(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		fmt.Fprint(w, `{"ok":true,"result":true}`)
	}))
	defer srv.Close()

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"webhook", "delete", "--config", writeTestConfig(t, srv.URL)})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("webhook delete failed: %v", err)
	}
	if gotPath != "/bot123:abc/deleteWebhook" {
		t.Errorf("path = %q, want /bot123:abc/deleteWebhook", gotPath)
	}
}

func TestWebhookInfoCmd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true,"result":{"url":"https://relay.example.com/webhook/telegram","pending_update_count":3}}`)
	}))
	defer srv.Close()

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"webhook", "info", "--config", writeTestConfig(t, srv.URL)})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("webhook info failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "relay.example.com") {
		t.Errorf("output missing URL: %s", out)
	}
	if !strings.Contains(out, "Pending updates: 3") {
		t.Errorf("output missing pending count: %s", out)
	}
}

func TestWebhookInfoCmd_Unregistered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true,"result":{"url":""}}`)
	}))
	defer srv.Close()

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"webhook", "info", "--config", writeTestConfig(t, srv.URL)})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("webhook info failed: %v", err)
	}
	if !strings.Contains(buf.String(), "No webhook registered") {
		t.Errorf("output = %q, want unregistered notice", buf.String())
	}
}
