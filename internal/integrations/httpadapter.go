package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// httpAdapter pushes a run payload to an external collaborator's HTTP
// endpoint as a JSON POST, authenticated with a bearer API key. Both the
// record-store and spreadsheet adapters share this shape; only the base
// URL and key differ.
type httpAdapter struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

func newHTTPAdapter(name, baseURL, apiKey string) *httpAdapter {
	return &httpAdapter{
		name:    name,
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *httpAdapter) Push(ctx context.Context, payload Payload) error {
	if a.baseURL == "" {
		return fmt.Errorf("%s adapter: no base url configured", a.name)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s adapter: marshal payload: %w", a.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/runs/"+payload.RunID, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s adapter: build request: %w", a.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s adapter: request failed: %w", a.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s adapter: unexpected status %d", a.name, resp.StatusCode)
	}
	return nil
}

// AdaptersFromCredentials builds the record-store and spreadsheet Adapters
// a Dispatcher pushes terminal run outcomes through, from whatever
// CredentialsManager currently has loaded.
func AdaptersFromCredentials(creds *CredentialsManager) (recordStore, spreadsheet Adapter) {
	current := creds.Get()
	return newHTTPAdapter("record-store", current.RecordStore.BaseURL, current.RecordStore.APIKey),
		newHTTPAdapter("spreadsheet", current.Spreadsheet.BaseURL, current.Spreadsheet.APIKey)
}
