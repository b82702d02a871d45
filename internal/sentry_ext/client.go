// Package sentry_ext initializes the process-wide Sentry client used by
// cmd/tracedump to report decode/encode failures the core codec packages
// return as errors.
package sentry_ext

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/traceformat/bintrace/internal/observability"
)

type Params struct {
	DSN              string
	AttachStacktrace bool
	Release          string
	Commit           string
	Environment      string
	BeforeSend       func(*sentry.Event, *sentry.EventHint) *sentry.Event
	LRUSize          int
}

type Client struct {
	Recent *observability.CaptureRateLimiter
}

// New initializes the sentry client.
func New(params Params) *Client {
	if params.BeforeSend == nil {
		params.BeforeSend = RemoveBottomFrames
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              params.DSN,
		AttachStacktrace: params.AttachStacktrace,
		Release:          params.Release,
		Dist:             params.Commit,
		BeforeSend:       params.BeforeSend,
		Environment:      params.Environment,
	})
	if err != nil {
		slog.Error("sentry_ext: New: failed to initialize sentry", "err", err)
	}

	if params.DSN != "" {
		slog.Debug("sentry_ext: New: sentry is enabled", "dsn", params.DSN)
	} else {
		slog.Debug("sentry_ext: sentry is disabled")
	}

	var recent *observability.CaptureRateLimiter
	if params.LRUSize == 0 {
		recent = observability.NewCLICaptureRateLimiter()
	} else {
		var err error
		recent, err = observability.NewCaptureRateLimiter(params.LRUSize, 5*time.Minute)
		if err != nil {
			slog.Error("sentry_ext: failed to create rate limiter", "err", err)
			return nil
		}
	}

	return &Client{Recent: recent}
}

func (s *Client) SetUser(id, email, name string) {
	localHub := sentry.CurrentHub().Clone()
	localHub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetUser(sentry.User{
			ID:    id,
			Email: email,
			Name:  name,
		})
	})
}

// CaptureException captures an error and sends it to sentry.
func (s *Client) CaptureException(err error, tags observability.Tags) {
	if !s.Recent.AllowCapture(err.Error()) {
		return
	}

	localHub := sentry.CurrentHub().Clone()
	localHub.ConfigureScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			if v != "" {
				scope.SetTag(k, v)
			}
		}
	})
	localHub.CaptureException(err)
}

// CaptureMessage captures a message and sends it to sentry.
func (s *Client) CaptureMessage(msg string, tags observability.Tags) {
	if !s.Recent.AllowCapture(msg) {
		return
	}

	localHub := sentry.CurrentHub().Clone()
	localHub.ConfigureScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
	})
	localHub.CaptureMessage(msg)
}

// Reraise captures an error and re-raises it. Used to capture unexpected
// panics from cmd/tracedump before exiting with a non-zero status.
func (s *Client) Reraise(err any, tags observability.Tags) {
	if err != nil {
		var e error
		if asErr, ok := err.(error); ok {
			e = asErr
		} else {
			e = fmt.Errorf("%v", err)
		}
		s.CaptureException(e, tags)
		sentry.Flush(2 * time.Second)
		panic(err)
	}
}

// Flush flushes the sentry client.
func (s *Client) Flush(timeout time.Duration) bool {
	hub := sentry.CurrentHub()
	return hub.Flush(timeout)
}

// RemoveBottomFrames modifies the stack trace by checking the file name of
// the bottom-most 3 frames and removing them, bottom up, while they are
// internal to this module's logging/sentry plumbing (file names ending in
// logging.go or client.go) or the SDK's sentry.go.
func RemoveBottomFrames(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
	for i, exception := range event.Exception {
		if exception.Stacktrace == nil {
			continue
		}
		frames := exception.Stacktrace.Frames
		framesLen := len(frames)
		if framesLen < 3 {
			continue
		}
		for j := framesLen - 1; j >= framesLen-3; j-- {
			frame := frames[j]
			if strings.HasSuffix(frame.AbsPath, "sentry.go") || strings.HasSuffix(frame.AbsPath, "logging.go") ||
				strings.HasSuffix(frame.AbsPath, "client.go") {
				frames = frames[:j]
			} else {
				break
			}
		}
		event.Exception[i].Stacktrace.Frames = frames
	}
	return event
}
