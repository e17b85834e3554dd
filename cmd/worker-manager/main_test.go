package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"store-insights/internal/common/logger"
	"store-insights/internal/prompts"
)

const promptFile = `
version: "3"
templates:
  - stage: insight
    category: default
    system: ops analyst
    user: "{{.Question}}"
`

func TestReloadHandler(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(promptFile), 0644))
	store := prompts.NewStore(&prompts.FileSource{Path: path}, logger.NewTestLogger(t))
	handler := reloadHandler(store, logger.NewTestLogger(t))

	tests := []struct {
		name        string
		method      string
		content     string
		wantStatus  int
		wantVersion string
	}{
		{"get is rejected", http.MethodGet, promptFile, http.StatusMethodNotAllowed, "builtin"},
		{"post reloads", http.MethodPost, promptFile, http.StatusOK, "3"},
		{"broken file keeps current", http.MethodPost, "templates: [nope", http.StatusUnprocessableEntity, "3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			rec := httptest.NewRecorder()
			handler(rec, httptest.NewRequest(tt.method, "/admin/prompts/reload", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.wantVersion, store.Snapshot().Version)

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, "reloaded", body["status"])
				assert.Equal(t, "3", body["version"])
			}
		})
	}
}
