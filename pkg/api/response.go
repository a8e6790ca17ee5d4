package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/openfroyo/barclamp/pkg/engine"
)

const maxBodyBytes = 4 << 20

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]interface{}{"error": msg})
}

// errorBody renders an error with its classification and field violations.
func errorBody(err error) map[string]interface{} {
	body := map[string]interface{}{"error": err.Error()}
	if e, ok := engine.AsEngineError(err); ok {
		body["error"] = e.Message
		body["kind"] = e.Kind
		body["class"] = e.Class
		if e.Code != "" {
			body["code"] = e.Code
		}
		if e.Resource != "" {
			body["resource"] = e.Resource
		}
		if len(e.Fields) > 0 {
			body["fields"] = e.Fields
		}
	}
	return body
}

func respondEngineError(w http.ResponseWriter, err error) {
	respondJSON(w, engine.StatusCode(err), errorBody(err))
}

// respondCommit writes a commit result with its result code: 200 accepted,
// 202 queued, anything else rejected.
func respondCommit(w http.ResponseWriter, res *engine.CommitResult, err error) {
	if res == nil {
		respondEngineError(w, err)
		return
	}

	body := map[string]interface{}{
		"outcome": res.Outcome,
		"code":    res.Code,
		"message": res.Message,
	}
	if res.Entry != nil {
		body["entry"] = res.Entry
	}
	if err != nil {
		for k, v := range errorBody(err) {
			body[k] = v
		}
	}
	respondJSON(w, res.Code, body)
}
