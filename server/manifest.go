package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
)

// Endpoint describes one route in the capability manifest.
type Endpoint struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Auth   bool   `json:"auth,omitempty"`
}

// Manifest is served at /.well-known/tourmatch.json so agents can discover
// what the market accepts.
type Manifest struct {
	Name      string     `json:"name"`
	Version   string     `json:"version"`
	Roles     []string   `json:"roles"`
	Ranking   []string   `json:"ranking"`
	Events    string     `json:"events"`
	Endpoints []Endpoint `json:"endpoints"`
}

func defaultManifest(version string, ranking []string) Manifest {
	return Manifest{
		Name:    "tourmatch",
		Version: version,
		Roles:   []string{"guide", "tourist"},
		Ranking: ranking,
		Events:  "/events",
		Endpoints: []Endpoint{
			{Method: http.MethodPost, Path: "/api/auth/token"},
			{Method: http.MethodPost, Path: "/api/offers", Auth: true},
			{Method: http.MethodPost, Path: "/api/requests", Auth: true},
			{Method: http.MethodGet, Path: "/api/offers"},
			{Method: http.MethodGet, Path: "/api/offers/{id}"},
			{Method: http.MethodGet, Path: "/api/requests"},
			{Method: http.MethodGet, Path: "/api/requests/{id}"},
			{Method: http.MethodPost, Path: "/api/offers/{id}/withdraw", Auth: true},
			{Method: http.MethodPost, Path: "/api/requests/{id}/withdraw", Auth: true},
			{Method: http.MethodGet, Path: "/api/tasks"},
			{Method: http.MethodGet, Path: "/api/tasks/{id}"},
			{Method: http.MethodGet, Path: "/api/tasks/{id}/journal"},
			{Method: http.MethodPost, Path: "/api/tasks/{id}/accept", Auth: true},
			{Method: http.MethodPost, Path: "/api/tasks/{id}/reject", Auth: true},
			{Method: http.MethodPost, Path: "/api/tasks/{id}/cancel", Auth: true},
			{Method: http.MethodGet, Path: "/api/assignments"},
			{Method: http.MethodGet, Path: "/events"},
		},
	}
}

// loadManifest returns the file at path verbatim after checking it is JSON,
// or the built-in manifest when path is empty.
func loadManifest(path, version string, ranking []string) ([]byte, error) {
	if path == "" {
		return json.Marshal(defaultManifest(version, ranking))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("manifest %s is not valid JSON", path)
	}
	return data, nil
}

func (s *Server) handleManifest(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_, _ = w.Write(s.manifest)
}
