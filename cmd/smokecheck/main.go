package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"nhooyr.io/websocket"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	User struct {
		Email       string `json:"email"`
		WorkspaceID string `json:"workspaceId"`
	} `json:"user"`
}

type engineStatus struct {
	TagName  string `json:"tagName"`
	Identity struct {
		Provisioned bool `json:"provisioned"`
	} `json:"identity"`
	Reachable bool   `json:"reachable"`
	Error     string `json:"error"`
}

type workflow struct {
	ID   json.RawMessage `json:"id"`
	Name string          `json:"name"`
	Tags []struct {
		Name string `json:"name"`
	} `json:"tags"`
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func loadSmokePasswordFromSecretsFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return "", err
	}
	secrets, _ := doc["secrets"].(map[string]any)
	items, _ := secrets["items"].(map[string]any)
	entry, _ := items["flowgate-smoke"].(map[string]any)
	password, _ := entry["password"].(string)
	if strings.TrimSpace(password) == "" {
		return "", fmt.Errorf("flowgate-smoke.password not set")
	}
	return password, nil
}

func doJSON(client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte, error) {
	var r io.Reader
	if body != nil {
		enc, err := json.Marshal(body)
		if err != nil {
			return nil, nil, err
		}
		r = bytes.NewReader(enc)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		return nil, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b, nil
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// expectOK exits unless the call succeeded with a 2xx status.
func expectOK(what string, resp *http.Response, body []byte, err error) {
	if err != nil {
		fail("%s request failed: %v", what, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		fail("%s failed (%d): %s", what, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

// unwrapData strips the engine's {"data": ...} envelope when present.
func unwrapData(body []byte) []byte {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err == nil && len(env.Data) > 0 {
		return env.Data
	}
	return body
}

func main() {
	baseURL := strings.TrimRight(getenv("FLOWGATE_BASE_URL", "http://127.0.0.1:4000"), "/")
	email := getenv("FLOWGATE_SMOKE_EMAIL", "smoke@flowgate.local")
	password := getenv("FLOWGATE_SMOKE_PASSWORD", "")
	if password == "" {
		// Convenience: use local deploy secrets file (keeps the password out of shell history).
		secretsPath := strings.TrimSpace(getenv("FLOWGATE_SECRETS_FILE", "../deploy/flowgate-secrets.yaml"))
		abs, _ := filepath.Abs(secretsPath)
		loaded, err := loadSmokePasswordFromSecretsFile(abs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "missing FLOWGATE_SMOKE_PASSWORD and failed to load from %s: %v\n", abs, err)
			os.Exit(2)
		}
		password = loaded
	}
	insecure := strings.EqualFold(getenv("FLOWGATE_SMOKE_INSECURE_TLS", "false"), "true")

	tr := &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: insecure}}
	client := &http.Client{Timeout: 30 * time.Second, Transport: tr}

	healthURL := baseURL + "/health"
	resp, body, err := doJSON(client, http.MethodGet, healthURL, nil, nil)
	expectOK("health", resp, body, err)
	fmt.Printf("OK health: %s\n", strings.TrimSpace(string(body)))

	resp, body, err = doJSON(client, http.MethodPost, baseURL+"/api/auth/login", loginRequest{Email: email, Password: password}, nil)
	expectOK("login", resp, body, err)
	setCookie := resp.Header.Get("Set-Cookie")
	if strings.TrimSpace(setCookie) == "" {
		fail("login missing Set-Cookie header")
	}
	cookie := strings.SplitN(setCookie, ";", 2)[0]
	var login loginResponse
	_ = json.Unmarshal(body, &login)
	fmt.Printf("OK login: %s (workspace %s)\n", login.User.Email, login.User.WorkspaceID)
	auth := map[string]string{"Cookie": cookie}

	resp, body, err = doJSON(client, http.MethodGet, baseURL+"/engine/rest/workflows", nil, auth)
	expectOK("engine workflow list", resp, body, err)
	fmt.Println("OK engine workflow list")

	resp, body, err = doJSON(client, http.MethodGet, baseURL+"/api/engine/status", nil, auth)
	expectOK("engine status", resp, body, err)
	var st engineStatus
	if err := json.Unmarshal(body, &st); err != nil {
		fail("engine status parse failed: %v", err)
	}
	if !st.Identity.Provisioned || !st.Reachable {
		fail("engine identity not ready: provisioned=%v reachable=%v err=%s", st.Identity.Provisioned, st.Reachable, st.Error)
	}
	fmt.Printf("OK engine status: tag %s\n", st.TagName)

	wfName := fmt.Sprintf("smoke-%s", time.Now().UTC().Format("20060102-150405"))
	resp, body, err = doJSON(client, http.MethodPost, baseURL+"/engine/rest/workflows", map[string]any{
		"name":        wfName,
		"nodes":       []any{},
		"connections": map[string]any{},
		"settings":    map[string]any{},
	}, auth)
	expectOK("workflow create", resp, body, err)
	var wf workflow
	if err := json.Unmarshal(unwrapData(body), &wf); err != nil {
		fail("workflow create parse failed: %v", err)
	}
	tagged := false
	for _, t := range wf.Tags {
		tagged = tagged || t.Name == st.TagName
	}
	if !tagged {
		fail("workflow %s missing workspace tag %s", wf.Name, st.TagName)
	}
	wfID := strings.Trim(string(wf.ID), `"`)
	fmt.Printf("OK workflow create: %s (%s)\n", wf.Name, wfID)

	if err := checkPush(baseURL, cookie, tr); err != nil {
		fail("push channel failed: %v", err)
	}
	fmt.Println("OK push channel upgrade")

	resp, body, err = doJSON(client, http.MethodDelete, baseURL+"/engine/rest/workflows/"+wfID, nil, auth)
	expectOK("workflow delete", resp, body, err)
	fmt.Printf("OK workflow delete: %s\n", wfID)
}

// checkPush opens the engine push channel through the proxy and closes it.
func checkPush(baseURL, cookie string, tr *http.Transport) error {
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/engine/rest/push?pushRef=smokecheck"
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: &http.Client{Transport: tr},
		HTTPHeader: http.Header{"Cookie": []string{cookie}, "Origin": []string{baseURL}},
	})
	if err != nil {
		return err
	}
	return conn.Close(websocket.StatusNormalClosure, "smokecheck done")
}
