package security

import (
	"bytes"
	"errors"
	"io"
	"net/http"
)

// BodyLimit buffers request bodies up to Max bytes. Larger bodies never
// reach the next handler.
type BodyLimit struct {
	Max int64
	// Overflow answers oversized requests; the default is 413.
	Overflow http.HandlerFunc
}

// Middleware enforces the limit. Declared and streamed lengths are both checked.
func (b BodyLimit) Middleware(next http.Handler) http.Handler {
	if b.Max <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r)
			return
		}
		if r.ContentLength > b.Max {
			b.tooLarge(w, r)
			return
		}
		buf, err := io.ReadAll(http.MaxBytesReader(w, r.Body, b.Max))
		var tooBig *http.MaxBytesError
		switch {
		case errors.As(err, &tooBig):
			b.tooLarge(w, r)
			return
		case err != nil:
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(buf))
		r.ContentLength = int64(len(buf))
		next.ServeHTTP(w, r)
	})
}

func (b BodyLimit) tooLarge(w http.ResponseWriter, r *http.Request) {
	if b.Overflow != nil {
		b.Overflow(w, r)
		return
	}
	http.Error(w, "request entity too large", http.StatusRequestEntityTooLarge)
}
