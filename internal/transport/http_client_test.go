package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/stagesync/internal/config"
	"github.com/TheMichaelB/stagesync/internal/creds"
	"github.com/TheMichaelB/stagesync/internal/events"
	"github.com/TheMichaelB/stagesync/internal/models"
)

func newHTTPClient(t *testing.T, baseURL string, provider creds.Provider) *HTTPClient {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.API.BaseURL = baseURL
	if provider == nil {
		provider = creds.Static{C: creds.Credentials{
			AccountType: "google", UserID: "user-1", Token: "tok",
		}}
	}
	logger := events.NewTestLogger(events.ErrorLevel, "text", io.Discard)
	return NewHTTPClient(cfg, provider, logger)
}

func TestGetFileIndex(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/GetFileIndex", r.URL.Path)
		assert.Equal(t, "POST", r.Method)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		credentials := body["credentials"].(map[string]interface{})
		assert.Equal(t, "tok", credentials["token"])
		assert.Equal(t, "stagesync.data", body["cloud_folder_path"])

		fmt.Fprint(w, `{"rc":0,"file_index":[
            {"uuid":"file-1","remote_name":"a.txt","mime_type":"text/plain",
             "version":2,"size_bytes":10,"deleted":false}
        ]}`)
	}))
	defer server.Close()

	client := newHTTPClient(t, server.URL, nil)
	index, err := client.GetFileIndex(context.Background())
	require.NoError(t, err)
	require.Len(t, index, 1)
	assert.Equal(t, "file-1", index[0].UUID)
	assert.Equal(t, 2, index[0].Version)
	assert.Equal(t, int64(10), index[0].SizeBytes)
}

func TestServerErrorCodes(t *testing.T) {
	rc := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"rc":%d,"error":"scripted failure"}`, rc)
	}))
	defer server.Close()

	client := newHTTPClient(t, server.URL, nil)

	t.Run("api misuse", func(t *testing.T) {
		rc = models.RCServerAPIError
		err := client.Cleanup(context.Background())
		assert.True(t, models.IsAPIMisuse(err))
	})

	t.Run("other failure", func(t *testing.T) {
		rc = 1
		err := client.Cleanup(context.Background())
		require.Error(t, err)
		assert.False(t, models.IsAPIMisuse(err))
		var apiErr *models.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "scripted failure", apiErr.Message)
	})
}

func TestMissingReturnCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	client := newHTTPClient(t, server.URL, nil)
	err := client.Cleanup(context.Background())
	assert.ErrorContains(t, err, "missing return code")
}

// refreshingProvider hands out a stale token until Refresh is called.
type refreshingProvider struct {
	refreshed bool
}

func (p *refreshingProvider) Credentials() (creds.Credentials, error) {
	token := "stale"
	if p.refreshed {
		token = "fresh"
	}
	return creds.Credentials{AccountType: "google", UserID: "u", Token: token}, nil
}

func (p *refreshingProvider) Refresh() (creds.Credentials, error) {
	p.refreshed = true
	return p.Credentials()
}

func TestStaleCredentialsRefreshedOnce(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		token := body["credentials"].(map[string]interface{})["token"]

		if token == "stale" {
			fmt.Fprintf(w, `{"rc":%d,"error":"token expired"}`, models.RCStaleCredentials)
			return
		}
		fmt.Fprint(w, `{"rc":0}`)
	}))
	defer server.Close()

	client := newHTTPClient(t, server.URL, &refreshingProvider{})
	require.NoError(t, client.Cleanup(context.Background()))
	assert.Equal(t, 2, requests)
}

func TestUploadFileMultipart(t *testing.T) {
	content := []byte("file content here")
	path := filepath.Join(t.TempDir(), "up.txt")
	require.NoError(t, os.WriteFile(path, content, 0600))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/UploadFile", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		var params map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("parameters")), &params))
		file := params["file"].(map[string]interface{})
		assert.Equal(t, "file-1", file["uuid"])
		assert.Equal(t, float64(3), file["version"])
		assert.Equal(t, true, file["undelete"])

		part, _, err := r.FormFile("file")
		require.NoError(t, err)
		defer part.Close()
		data, err := io.ReadAll(part)
		require.NoError(t, err)
		assert.Equal(t, content, data)

		fmt.Fprint(w, `{"rc":0}`)
	}))
	defer server.Close()

	client := newHTTPClient(t, server.URL, nil)
	err := client.UploadFile(context.Background(), &models.ServerFile{
		UUID:       "file-1",
		RemoteName: "up.txt",
		MimeType:   "text/plain",
		Version:    3,
		LocalPath:  path,
		Undelete:   true,
	})
	require.NoError(t, err)
}

func TestDownloadFile(t *testing.T) {
	content := []byte("downloaded bytes")

	t.Run("streams content", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "file-1", body["file_uuid"])

			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write(content)
		}))
		defer server.Close()

		dest := filepath.Join(t.TempDir(), "down.bin")
		client := newHTTPClient(t, server.URL, nil)
		require.NoError(t, client.DownloadFile(context.Background(), "file-1", dest))

		data, err := os.ReadFile(dest)
		require.NoError(t, err)
		assert.Equal(t, content, data)
	})

	t.Run("json envelope is an error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"rc":%d,"error":"not staged"}`, models.RCServerAPIError)
		}))
		defer server.Close()

		dest := filepath.Join(t.TempDir(), "down.bin")
		client := newHTTPClient(t, server.URL, nil)
		err := client.DownloadFile(context.Background(), "file-1", dest)
		assert.True(t, models.IsAPIMisuse(err))
		_, statErr := os.Stat(dest)
		assert.True(t, os.IsNotExist(statErr))
	})
}

func TestCheckOperationStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "op-9", body["operation_id"])

		fmt.Fprintf(w, `{"rc":0,"operation_status":%d,"operation_count":4}`,
			models.RCOperationStatusSuccessfulCompletion)
	}))
	defer server.Close()

	client := newHTTPClient(t, server.URL, nil)
	status, err := client.CheckOperationStatus(context.Background(), "op-9")
	require.NoError(t, err)
	assert.True(t, status.Succeeded())
	assert.False(t, status.InProgress())
	assert.Equal(t, 4, status.Count)
}

func TestStartTransferRequiresOperationID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"rc":0}`)
	}))
	defer server.Close()

	client := newHTTPClient(t, server.URL, nil)
	_, err := client.StartOutboundTransfer(context.Background())
	assert.True(t, models.IsInternalInconsistency(err))
}

func TestNetworkFailureClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := newHTTPClient(t, url, nil)
	err := client.Cleanup(context.Background())
	assert.True(t, errors.Is(err, models.ErrNetworkNotConnected))
	assert.False(t, client.Connected())
}

func TestConnected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	client := newHTTPClient(t, server.URL, nil)
	assert.True(t, client.Connected())
}
