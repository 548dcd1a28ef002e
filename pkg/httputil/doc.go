// Package httputil holds the small amount of HTTP plumbing shared by the
// watch mode metrics server and the fake registry used in tests.
//
// Responses are JSON:
//
//	httputil.WriteJSON(w, http.StatusOK, status)
//	httputil.WriteError(w, http.StatusServiceUnavailable, "history unavailable")
//
// Middleware composes with Chain, outermost first:
//
//	handler := httputil.Chain(
//		httputil.Recovery(logger),
//		httputil.RequestID,
//		httputil.Logging(logger),
//	)(mux)
package httputil
