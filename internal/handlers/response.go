package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/runflow/controlplane/internal/types"
)

// maxPoolBufferCap bounds how large a pooled buffer may grow before it's
// discarded instead of recycled; bytes.Buffer.Reset() only resets length,
// not capacity, so an unbounded pool would let one oversized response
// waste memory indefinitely.
const maxPoolBufferCap = 64 * 1024

// responseBufferPool provides reusable byte buffers for JSON encoding, so
// writeJSON can catch an encode failure before any bytes reach the wire.
var responseBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 8192))
	},
}

func getResponseBuffer() *bytes.Buffer {
	v := responseBufferPool.Get()
	buf, ok := v.(*bytes.Buffer)
	if !ok {
		log.Warn().Interface("got_type", v).Msg("unexpected type from response buffer pool")
		return bytes.NewBuffer(make([]byte, 0, 8192))
	}
	return buf
}

func putResponseBuffer(buf *bytes.Buffer) {
	if buf.Cap() > maxPoolBufferCap {
		return
	}
	buf.Reset()
	responseBufferPool.Put(buf)
}

// writeJSON encodes body into a pooled buffer before writing it to w, so a
// marshal failure never leaves a half-written response on the wire.
func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	buf := getResponseBuffer()
	defer putResponseBuffer(buf)

	if err := json.NewEncoder(buf).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to encode JSON response")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"status":"error","message":"internal encoding error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Error().Err(err).Msg("failed to write JSON response")
	}
}

func writeOK(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, types.APIResponse{Status: types.StatusOK, Data: data})
}

// writeErrorWithStatus writes a sanitized error envelope at the given
// HTTP status code.
func writeErrorWithStatus(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, types.APIResponse{Status: types.StatusError, Message: sanitizeErrorMessage(message)})
}

// sensitiveErrorPatterns maps substrings of internal error messages to the
// generic, client-safe message that replaces them — never exposing stack
// traces, hostnames, or driver/queue internals to a caller.
var sensitiveErrorPatterns = []struct {
	substr  string
	replace string
}{
	{"browser pool exhausted", "Service temporarily unavailable"},
	{"no browser slot available", "Service temporarily unavailable"},
	{"failed to reserve browser slot", "Service temporarily unavailable"},
	{"context deadline exceeded", "Request timed out"},
	{"context canceled", "Request timed out"},
	{"i/o timeout", "Request timed out"},
	{"connection refused", "Unable to reach an upstream dependency"},
	{"no such host", "Unable to reach an upstream dependency"},
	{"network is unreachable", "Unable to reach an upstream dependency"},
}

func sanitizeErrorMessage(message string) string {
	lower := strings.ToLower(message)
	for _, p := range sensitiveErrorPatterns {
		if strings.Contains(lower, p.substr) {
			return p.replace
		}
	}
	return message
}

// statusForError maps the error taxonomy in SPEC_FULL §7 to an HTTP
// status code.
func statusForError(err error) int {
	var classified *types.ClassifiedError
	if ce, ok := err.(*types.ClassifiedError); ok {
		classified = ce
	}
	if classified == nil {
		switch {
		case err == types.ErrRobotNotFound, err == types.ErrRunNotFound, err == types.ErrSlotNotFound:
			return http.StatusNotFound
		case err == types.ErrUnauthorized:
			return http.StatusUnauthorized
		case err == types.ErrForbidden:
			return http.StatusForbidden
		case err == types.ErrSlotCapacityExhausted, err == types.ErrQueueUnavailable:
			return http.StatusServiceUnavailable
		case err == types.ErrInvalidTransition, err == types.ErrRunNotCancellable:
			return http.StatusBadRequest
		default:
			return http.StatusInternalServerError
		}
	}

	switch classified.Kind {
	case types.KindResourceMissing:
		return http.StatusNotFound
	case types.KindUnauthorized:
		return http.StatusUnauthorized
	case types.KindForbidden:
		return http.StatusForbidden
	case types.KindAdmissionDenied, types.KindQueueError:
		return http.StatusServiceUnavailable
	case types.KindValidation, types.KindConflict:
		return http.StatusBadRequest
	case types.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeErrorFor(w http.ResponseWriter, err error) {
	writeErrorWithStatus(w, statusForError(err), err.Error())
}

// healthStartTime records process start for the /health uptime field.
var healthStartTime = time.Now()
