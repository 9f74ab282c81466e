package main

import (
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/powfeed/powfeed/client/internal/config"
)

// uiHandler serves the pre-built browser UI in dir. Paths that do not name a
// file inside dir fall back to index.html for client-side routing.
func uiHandler(dir string) http.Handler {
	fs := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := filepath.Join(dir, filepath.FromSlash(path.Clean("/"+r.URL.Path)))
		if _, err := os.Stat(name); os.IsNotExist(err) {
			http.ServeFile(w, r, filepath.Join(dir, "index.html"))
			return
		}
		fs.ServeHTTP(w, r)
	})
}

// logOutput keeps stdout for rendered frames when the renderer is on.
func logOutput(cfg *config.Config) io.Writer {
	if cfg.Render.Interval > 0 {
		return os.Stderr
	}
	return os.Stdout
}
