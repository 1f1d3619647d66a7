package provider

import (
	"encoding/json"
	"net/http"
)

// decodeJSONBody decodes a fake server's incoming request body.
func decodeJSONBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
