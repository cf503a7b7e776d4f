package jrpc2

import (
	"time"

	"go.uber.org/zap"
)

// Direction tells what an access record describes.
type Direction string

const (
	DirRequest       Direction = "REQUEST"
	DirNotification  Direction = "NOTIFICATION"
	DirResponse      Direction = "RESPONSE"
	DirBatchResponse Direction = "BATCH RESPONSE"
)

// AccessRecord describes one inbound message or one outbound reply.
// Bodies are the raw wire bytes; transports never serialize anything for the log.
type AccessRecord struct {
	Remote       string
	URI          string
	Method       string
	ID           ID
	Status       int // HTTP status code, zero on streams
	Duration     time.Duration
	RequestBody  []byte
	ResponseBody []byte
}

// AccessLog observes traffic served by a transport. Transports skip building records when none is installed.
type AccessLog interface {
	Log(dir Direction, rec *AccessRecord)
}

// AccessLogFunc adapts a function to AccessLog.
type AccessLogFunc func(dir Direction, rec *AccessRecord)

func (f AccessLogFunc) Log(dir Direction, rec *AccessRecord) { f(dir, rec) }

const (
	defaultAccessBodyLimit = 500
	truncatedMarker        = "...(truncated)"
)

type zapAccessLog struct {
	log     *zap.Logger
	maxBody int
}

// NewAccessLog writes records at info level to l. Bodies longer than maxBody bytes are cut
// and marked; maxBody <= 0 selects 500.
func NewAccessLog(l *zap.Logger, maxBody int) AccessLog {
	if l == nil {
		l = zap.L()
	}
	if maxBody <= 0 {
		maxBody = defaultAccessBodyLimit
	}
	return &zapAccessLog{log: l, maxBody: maxBody}
}

func (a *zapAccessLog) Log(dir Direction, rec *AccessRecord) {
	ce := a.log.Check(zap.InfoLevel, string(dir))
	if ce == nil {
		return
	}
	fields := make([]zap.Field, 0, 8)
	if rec.Remote != "" {
		fields = append(fields, zap.String("remote", rec.Remote))
	}
	if rec.URI != "" {
		fields = append(fields, zap.String("uri", rec.URI))
	}
	if rec.Method != "" {
		fields = append(fields, zap.String("method", rec.Method))
	}
	if !rec.ID.IsNull() {
		fields = append(fields, zap.Stringer("id", rec.ID))
	}
	if rec.Status != 0 {
		fields = append(fields, zap.Int("status", rec.Status))
	}
	if rec.Duration != 0 {
		fields = append(fields, zap.Duration("duration", rec.Duration))
	}
	if len(rec.RequestBody) > 0 {
		fields = append(fields, zap.String("request", truncateBody(rec.RequestBody, a.maxBody)))
	}
	if len(rec.ResponseBody) > 0 {
		fields = append(fields, zap.String("response", truncateBody(rec.ResponseBody, a.maxBody)))
	}
	ce.Write(fields...)
}

func truncateBody(b []byte, limit int) string {
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + truncatedMarker
}
