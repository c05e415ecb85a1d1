package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/kazz187/storyguild/pkg/cerr"
)

const maxBodyBytes = 1 << 20

// decode reads the JSON body into v. On failure it records the error
// response and returns false.
func decode(r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		cerr.SetNewJSONError(r.Context(), cerr.InvalidArgument, "invalid request body", err)
		return false
	}
	return true
}

// clientID identifies the caller for notification routing. The body field
// wins over the header.
func clientID(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return r.Header.Get("X-Client-ID")
}

type idResponse struct {
	ID string `json:"id"`
}

type okResponse struct {
	OK bool `json:"ok"`
}
