package staticdirserver

import (
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
)

const (
	redirectMethodPath = "/redirect-method"
	methodMatcherPath  = "/only-works-with-method/"
)

// Payload served by the method matcher when the method in the path matches.
var methodMatcherBody = []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}

// Methods the router has explicit routes for. Anything else is resolved by
// the NotFound fallback.
var routedMethods = []string{
	http.MethodGet,
	http.MethodHead,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
	http.MethodOptions,
	http.MethodTrace,
}

func newRouter(root string) *httprouter.Router {
	router := httprouter.New()
	// Special routes match on the exact path only. Near misses go to the
	// directory instead of being redirected.
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	router.HandleMethodNotAllowed = false
	router.HandleOPTIONS = false

	for _, method := range routedMethods {
		router.Handle(method, redirectMethodPath, redirectMethod)
		router.Handle(method, methodMatcherPath+":method", methodMatcher)
	}

	dir := newDirectoryHandler(root)
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Non-standard methods have no routes of their own, look them up
		// under GET so the special routes still accept any method.
		if handle, ps, _ := router.Lookup(http.MethodGet, r.URL.Path); handle != nil {
			handle(w, r, ps)
			return
		}
		dir.ServeHTTP(w, r)
	})
	return router
}

// redirectMethod sends the client to the method matcher for the method it
// used. The method goes into the path as is, unescaped.
func redirectMethod(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Location", methodMatcherPath+r.Method)
	w.WriteHeader(http.StatusTemporaryRedirect)
}

// methodMatcher answers 206 Partial Content with a fixed payload if the
// method in the path is the request method, 405 Method Not Allowed otherwise.
// The comparison is case sensitive.
func methodMatcher(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if ps.ByName("method") != r.Method {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Length", strconv.Itoa(len(methodMatcherBody)))
	w.WriteHeader(http.StatusPartialContent)
	w.Write(methodMatcherBody)
}
