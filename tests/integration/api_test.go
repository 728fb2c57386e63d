//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quickdrop/internal/logging"
	"quickdrop/internal/server"
	"quickdrop/internal/service"
)

const testPIN = "2468"

type listing struct {
	Items []struct {
		Kind string `json:"kind"`
		Name string `json:"name"`
		URL  string `json:"url"`
		Size int64  `json:"size"`
		Text string `json:"text"`
	} `json:"items"`
}

// TestDropWorkflow drives a phone-style session against a supervised
// server: page load, text, upload, listing, download, clear and exit.
func TestDropWorkflow(t *testing.T) {
	store, err := server.NewDirStore(t.TempDir())
	require.NoError(t, err)
	pin, err := server.NewPIN(testPIN, "")
	require.NoError(t, err)

	// Reserve a free port so the display URL and the bind agree.
	reserve, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := reserve.Addr().String()
	require.NoError(t, reserve.Close())

	svc := service.New(service.Options{
		NewServer: func() *server.Server {
			return server.New(server.Config{
				Addr:   addr,
				Store:  store,
				Gzip:   true,
				PIN:    pin,
				Logger: logging.Nop(),
			})
		},
		Logger: logging.Nop(),
	})
	st, err := svc.Ensure(context.Background())
	require.NoError(t, err)
	require.Equal(t, service.Running, st)
	t.Cleanup(func() { _ = svc.Stop() })

	base := "http://" + addr
	client := &http.Client{Timeout: 30 * time.Second}

	send := func(method, path string, body io.Reader, hdr map[string]string) (*http.Response, []byte) {
		t.Helper()
		req, err := http.NewRequest(method, base+path, body)
		require.NoError(t, err)
		req.Header.Set("X-Pin", testPIN)
		for k, v := range hdr {
			req.Header.Set(k, v)
		}
		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, b
	}

	t.Run("page is open without pin", func(t *testing.T) {
		resp, err := client.Get(base + "/")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
	})

	t.Run("api requires pin", func(t *testing.T) {
		resp, err := client.Get(base + "/list")
		require.NoError(t, err)
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, "Forbidden: pin required", string(b))

		resp, err = client.Get(base + "/list?pin=" + testPIN)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("text round trip", func(t *testing.T) {
		resp, body := send(http.MethodPost, "/text", strings.NewReader("grüße vom handy"), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"ok":true}`, string(body))
	})

	payload := bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 64<<10)
	t.Run("upload twice", func(t *testing.T) {
		for _, want := range []string{"clip.mp4", "clip(1).mp4"} {
			resp, body := send(http.MethodPost, "/upload?name="+url.QueryEscape("clip.mp4"), bytes.NewReader(payload),
				map[string]string{"X-File-Size": strconv.Itoa(len(payload))})
			require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
			var out struct {
				OK   bool   `json:"ok"`
				Name string `json:"name"`
			}
			require.NoError(t, json.Unmarshal(body, &out))
			assert.Equal(t, want, out.Name)
		}
	})

	var l listing
	t.Run("listing", func(t *testing.T) {
		resp, body := send(http.MethodGet, "/list", nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.NoError(t, json.Unmarshal(body, &l))

		var texts, files int
		for _, it := range l.Items {
			switch it.Kind {
			case "text":
				texts++
				assert.Equal(t, "grüße vom handy", it.Text)
			case "file":
				files++
				assert.Equal(t, int64(len(payload)), it.Size)
			}
		}
		assert.Equal(t, 1, texts)
		assert.Equal(t, 2, files)
	})

	t.Run("download", func(t *testing.T) {
		var link string
		for _, it := range l.Items {
			if it.Name == "clip(1).mp4" {
				link = it.URL
			}
		}
		require.NotEmpty(t, link)

		resp, body := send(http.MethodGet, link, nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
		assert.Equal(t, payload, body)
	})

	t.Run("clear", func(t *testing.T) {
		resp, _ := send(http.MethodPost, "/clear", nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		_, body := send(http.MethodGet, "/list", nil, nil)
		assert.JSONEq(t, `{"items":[]}`, string(body))
	})

	t.Run("exit", func(t *testing.T) {
		stopped := svc.Stopped()
		resp, body := send(http.MethodPost, "/exit", nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"ok":true}`, string(body))

		select {
		case <-stopped:
		case <-time.After(10 * time.Second):
			t.Fatal("service still running after /exit")
		}
		assert.Equal(t, service.Idle, svc.State())
	})
}
