package i18n

import "net/http"

// Middleware negotiates the request language from Accept-Language and
// injects it, with its localizer, into the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lang := Negotiate(r.Header.Get("Accept-Language"))
		w.Header().Set("Content-Language", lang)
		next.ServeHTTP(w, r.WithContext(WithLang(r.Context(), lang)))
	})
}
