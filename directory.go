package staticdirserver

import (
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/didip/tollbooth"
)

const indexPage = "index.html"

// directoryHandler serves files under root. Ranges, content types and
// conditional requests are left to http.FileServer. Directories are served
// through their index.html and are never listed, a directory without one is
// a 404. Only GET and HEAD read files; other methods get 405.
type directoryHandler struct {
	root  http.FileSystem
	files http.Handler
}

func newDirectoryHandler(root string) *directoryHandler {
	fsys := indexedDirs{http.Dir(root)}
	return &directoryHandler{root: fsys, files: http.FileServer(fsys)}
}

func (d *directoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	// FileServer answers .../index.html with a redirect to the directory.
	if strings.HasSuffix(r.URL.Path, "/"+indexPage) {
		d.serveFile(w, r, r.URL.Path)
		return
	}
	d.files.ServeHTTP(w, r)
}

func (d *directoryHandler) serveFile(w http.ResponseWriter, r *http.Request, name string) {
	f, err := d.root.Open(name)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// indexedDirs hides directories that have no index.html file.
type indexedDirs struct {
	fs http.FileSystem
}

func (i indexedDirs) Open(name string) (http.File, error) {
	f, err := i.fs.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() && !i.hasIndex(name) {
		f.Close()
		return nil, fs.ErrNotExist
	}
	return f, nil
}

func (i indexedDirs) hasIndex(dir string) bool {
	f, err := i.fs.Open(path.Join(dir, indexPage))
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	return err == nil && !info.IsDir()
}

// throttle rate limits next per client address, answering 429 once a client
// goes over perSecond requests.
func throttle(perSecond float64, next http.Handler) http.Handler {
	return tollbooth.LimitHandler(tollbooth.NewLimiter(perSecond, nil), next)
}
