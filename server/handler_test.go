package server

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/GoCodeAlone/depot/archive"
	"github.com/GoCodeAlone/depot/blob"
	"github.com/GoCodeAlone/depot/depot"
	"github.com/GoCodeAlone/depot/event"
	"github.com/GoCodeAlone/depot/index"
	"github.com/GoCodeAlone/depot/locks"
)

func buildArtifact(t *testing.T, rawIdent, target, payload string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	write := func(name, body string) {
		t.Helper()
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body))}); err != nil {
			t.Fatalf("tar header %q: %v", name, err)
		}
		if _, err := io.WriteString(tw, body); err != nil {
			t.Fatalf("tar body %q: %v", name, err)
		}
	}
	write(".depot/IDENT", rawIdent+"\n")
	write(".depot/TARGET", target+"\n")
	write("payload", payload)
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	return buf.Bytes()
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := blob.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	d, err := depot.New(depot.Options{
		Store:     store,
		Index:     index.NewMemoryIndex(),
		Archive:   archive.NewTarReader(),
		Publisher: event.NewMemoryPublisher(),
		Locks:     locks.NewTable(8, 100*time.Millisecond),
		Logger:    slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("depot.New failed: %v", err)
	}

	mux := http.NewServeMux()
	NewHandler(d, slog.New(slog.DiscardHandler)).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func uploadArtifact(t *testing.T, srv *httptest.Server, origin, name string, data []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/depot/pkgs/"+origin+"/"+name, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("upload request failed: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return m
}

func TestUploadCreatedAndConflictOnReUpload(t *testing.T) {
	srv := newTestServer(t)
	data := buildArtifact(t, "acme/web/1.2.0/20230101010101", "x86_64-linux", "payload")
	sum := sha256.Sum256(data)

	resp := uploadArtifact(t, srv, "acme", "web", data, map[string]string{
		"X-Depot-Checksum": hex.EncodeToString(sum[:]),
		"X-Depot-Target":   "x86_64-linux",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["ident"] != "acme/web/1.2.0/20230101010101" {
		t.Errorf("ident = %v", body["ident"])
	}

	resp = uploadArtifact(t, srv, "acme", "web", data, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("re-upload status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestUploadRejectsBadChecksumAndHintMismatch(t *testing.T) {
	srv := newTestServer(t)
	data := buildArtifact(t, "acme/web/1.2.0/20230101010101", "x86_64-linux", "payload")

	resp := uploadArtifact(t, srv, "acme", "web", data, map[string]string{
		"X-Depot-Checksum": strings.Repeat("0", 64),
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad checksum status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = uploadArtifact(t, srv, "evilcorp", "web", data, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("origin mismatch status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestVersionListingAndLatest(t *testing.T) {
	srv := newTestServer(t)
	for _, raw := range []string{
		"acme/web/1.2.0/20230101010101",
		"acme/web/1.2.1/20230201010101",
	} {
		resp := uploadArtifact(t, srv, "acme", "web", buildArtifact(t, raw, "x86_64-linux", raw), nil)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("upload %s status = %d", raw, resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp, err := srv.Client().Get(srv.URL + "/v1/depot/pkgs/acme/web/versions")
	if err != nil {
		t.Fatalf("versions request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("versions status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	idents, _ := body["idents"].([]any)
	if len(idents) != 2 || idents[0] != "acme/web/1.2.0/20230101010101" {
		t.Errorf("idents = %v", idents)
	}

	resp, err = srv.Client().Get(srv.URL + "/v1/depot/pkgs/acme/web/latest")
	if err != nil {
		t.Fatalf("latest request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("latest status = %d", resp.StatusCode)
	}
	body = decodeBody(t, resp)
	if body["ident"] != "acme/web/1.2.1/20230201010101" {
		t.Errorf("latest = %v", body["ident"])
	}

	resp, err = srv.Client().Get(srv.URL + "/v1/depot/pkgs/acme/db/versions")
	if err != nil {
		t.Fatalf("unknown line request failed: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown line status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestDownloadFullAndRanged(t *testing.T) {
	srv := newTestServer(t)
	data := buildArtifact(t, "acme/web/1.2.0/20230101010101", "x86_64-linux", "payload")
	sum := sha256.Sum256(data)

	resp := uploadArtifact(t, srv, "acme", "web", data, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	url := srv.URL + "/v1/depot/pkgs/acme/web/1.2.0/20230101010101/download"
	resp, err := srv.Client().Get(url)
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Depot-Checksum"); got != hex.EncodeToString(sum[:]) {
		t.Errorf("checksum header = %s", got)
	}
	got, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(got, data) {
		t.Error("downloaded bytes differ from uploaded bytes")
	}

	req, _ := http.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("Range", "bytes=0-99")
	resp, err = srv.Client().Do(req)
	if err != nil {
		t.Fatalf("ranged download failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("ranged status = %d, want 206", resp.StatusCode)
	}
	part, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(part, data[:100]) {
		t.Error("ranged bytes differ from artifact prefix")
	}
}

func TestDownloadUnknownIdentIs404(t *testing.T) {
	srv := newTestServer(t)
	resp, err := srv.Client().Get(srv.URL + "/v1/depot/pkgs/acme/web/9.9.9/20230101010101/download")
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestChannelPromoteResolveDemote(t *testing.T) {
	srv := newTestServer(t)
	data := buildArtifact(t, "acme/web/1.2.0/20230101010101", "x86_64-linux", "payload")
	resp := uploadArtifact(t, srv, "acme", "web", data, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	channelURL := srv.URL + "/v1/depot/channels/acme/stable/pkgs/web/1.2.0/20230101010101"

	req, _ := http.NewRequest(http.MethodPut, channelURL, nil)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("promote failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("promote status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = srv.Client().Get(srv.URL + "/v1/depot/channels/acme/stable/pkgs/web/latest")
	if err != nil {
		t.Fatalf("channel latest failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("channel latest status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["ident"] != "acme/web/1.2.0/20230101010101" {
		t.Errorf("channel latest = %v", body["ident"])
	}

	req, _ = http.NewRequest(http.MethodDelete, channelURL, nil)
	resp, err = srv.Client().Do(req)
	if err != nil {
		t.Fatalf("demote failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("demote status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = srv.Client().Get(srv.URL + "/v1/depot/channels/acme/stable/pkgs/web/latest")
	if err != nil {
		t.Fatalf("channel latest after demote failed: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("channel latest after demote status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	// Promoting a never-committed identifier fails.
	req, _ = http.NewRequest(http.MethodPut, srv.URL+"/v1/depot/channels/acme/stable/pkgs/web/9.9.9/20230101010101", nil)
	resp, err = srv.Client().Do(req)
	if err != nil {
		t.Fatalf("ghost promote failed: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("ghost promote status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestMetadataEndpoint(t *testing.T) {
	srv := newTestServer(t)
	data := buildArtifact(t, "acme/web/1.2.0/20230101010101", "x86_64-linux", "payload")
	resp := uploadArtifact(t, srv, "acme", "web", data, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err := srv.Client().Get(srv.URL + "/v1/depot/pkgs/acme/web/1.2.0/20230101010101")
	if err != nil {
		t.Fatalf("meta request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("meta status = %d", resp.StatusCode)
	}
	var meta blob.Meta
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		t.Fatalf("decode meta: %v", err)
	}
	resp.Body.Close()
	if meta.Ident.String() != "acme/web/1.2.0/20230101010101" {
		t.Errorf("meta ident = %s", meta.Ident)
	}
	if meta.Target != "x86_64-linux" {
		t.Errorf("meta target = %s", meta.Target)
	}
	if meta.Size != int64(len(data)) {
		t.Errorf("meta size = %d, want %d", meta.Size, len(data))
	}
}
