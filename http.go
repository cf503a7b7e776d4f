package jrpc2

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// internalFailure is sent when no reply could be built for a body.
var internalFailure = []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"Internal error"}}`)

// HTTPHandler serves JSON-RPC over HTTP POST: the request body is one message or one batch,
// the response body carries its reply.
type HTTPHandler struct {
	disp    *Dispatcher
	log     *zap.Logger
	access  AccessLog
	maxBody int64
}

// NewHTTPHandler creates a handler answering calls with eval.
func NewHTTPHandler(eval Evaluator, _log *zap.Logger, opts ...Option) *HTTPHandler {
	if _log == nil {
		_log = zap.L()
	}
	o := newOptions(opts)
	return &HTTPHandler{
		disp:    newDispatcher(eval, _log, &o),
		log:     _log,
		access:  o.accessLog,
		maxBody: o.maxBodySize,
	}
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "JSON-RPC requires POST method", http.StatusMethodNotAllowed)
		return
	}

	var body io.Reader = r.Body
	if h.maxBody > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if len(bytes.TrimSpace(data)) == 0 {
		http.Error(w, "empty request body", http.StatusBadRequest)
		return
	}

	msgs, batch := Decode(data)
	if h.access != nil {
		h.logRequests(r, msgs, data)
	}

	var replies []*Response
	if batch {
		replies = h.disp.HandleBatch(r.Context(), msgs)
	} else if resp := h.disp.Handle(r.Context(), msgs[0]); resp != nil {
		replies = []*Response{resp}
	}

	out, noContent, err := SingleShotReply(replies, batch)
	status := http.StatusOK
	switch {
	case err != nil:
		h.log.Error("failed to encode reply", zap.Error(err))
		status, out = http.StatusInternalServerError, internalFailure
	case noContent:
		status = http.StatusNoContent
	}

	if status == http.StatusNoContent {
		w.WriteHeader(status)
	} else {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if _, err := w.Write(out); err != nil {
			h.log.Debug("failed to write reply", zap.Error(err))
		}
	}

	if h.access != nil && status != http.StatusNoContent {
		dir := DirResponse
		rec := &AccessRecord{Remote: r.RemoteAddr, URI: r.RequestURI, Status: status, Duration: time.Since(start), ResponseBody: out}
		if batch {
			dir = DirBatchResponse
		} else {
			rec.Method = method(msgs[0])
			rec.ID, _ = messageID(msgs[0])
		}
		h.access.Log(dir, rec)
	}
}

func (h *HTTPHandler) logRequests(r *http.Request, msgs []Message, body []byte) {
	for _, m := range msgs {
		dir := DirRequest
		if _, ok := m.(*Notification); ok {
			dir = DirNotification
		}
		id, _ := messageID(m)
		h.access.Log(dir, &AccessRecord{Remote: r.RemoteAddr, URI: r.RequestURI, Method: method(m), ID: id, RequestBody: body})
	}
}
