package httpapi

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"telehealth-signaling/pkg/signaling"
)

// Settings is the client-facing service configuration: where to open
// the signaling WebSocket and which ICE servers to hand the browser.
type Settings struct {
	ICEMode     string
	ICEServers  []signaling.ICEServer
	PublicWSURL string
}

// SPAHandler serves the built frontend, falling back to index.html for
// client-side routes. The /ws path is reserved for the signaling hub.
func SPAHandler(staticDir string) http.Handler {
	fs := http.FileServer(http.Dir(staticDir))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		path := filepath.Join(staticDir, filepath.Clean(r.URL.Path))
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			fs.ServeHTTP(w, r)
			return
		}

		index := filepath.Join(staticDir, "index.html")
		http.ServeFile(w, r, index)
	})
}

// DebugICEHandler exposes the resolved ICE configuration for troubleshooting.
func DebugICEHandler(settings Settings) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		payload := map[string]interface{}{
			"mode":       settings.ICEMode,
			"iceServers": settings.ICEServers,
		}
		_ = json.NewEncoder(w).Encode(payload)
	})
}

// SettingsHandler tells the frontend where the signaling WebSocket
// lives and which ICE servers to use when negotiating the call.
func SettingsHandler(settings Settings) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsURL := resolveWSURL(settings, r)
		w.Header().Set("Content-Type", "application/json")
		payload := map[string]interface{}{
			"wsURL":      wsURL,
			"iceMode":    settings.ICEMode,
			"iceServers": settings.ICEServers,
		}
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			log.Printf("settings encode error: %v", err)
		}
	})
}

func resolveWSURL(settings Settings, r *http.Request) string {
	if settings.PublicWSURL != "" {
		return settings.PublicWSURL
	}

	proto := "ws"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		proto = "wss"
	}

	host := r.Host
	if host == "" {
		host = "localhost:8080"
	}

	return fmt.Sprintf("%s://%s/ws", proto, host)
}
