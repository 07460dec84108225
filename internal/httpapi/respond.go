package httpapi

import (
	"encoding/json"
	"net/http"

	internalerrors "github.com/cloudveil/compliance-engine/internal/errors"
)

type errorBody struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Respond writes v as JSON with the given status.
func Respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// RespondError maps err to its structured kind/status and writes it as
// a JSON error body.
func RespondError(w http.ResponseWriter, err error) {
	status := internalerrors.HTTPStatus(err)
	body := errorBody{Error: "error", Message: err.Error()}
	if se, ok := internalerrors.As(err); ok {
		body.Error = string(se.Kind)
		body.Message = se.Message
		body.Details = se.Details
	}
	Respond(w, status, body)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return internalerrors.Wrap(err, internalerrors.KindValidation, "malformed request body")
	}
	return nil
}
