// Package app provides the shared messaging HTTP server that
// webhook-style platform adapters mount their routes on.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/openchatops/chatbridge/pkg/constants"
)

// Option configures the messaging app endpoint.
type Option struct {
	Protocol string // "http" or "https"
	HostName string
	Port     int
	BasePath string
	TLSKey   string
	TLSCert  string
}

// MessagingApp is the HTTP surface shared by all webhook routes of one
// bot process. Adapters register handlers with Handle; Start blocks
// until the server stops.
type MessagingApp struct {
	option Option
	log    *logrus.Logger
	mux    *http.ServeMux
	server *http.Server
}

// New creates the messaging app. The server is not started until Start
// is called, so adapters may register routes first.
func New(option Option, log *logrus.Logger) *MessagingApp {
	if option.Port == 0 {
		option.Port = constants.DefaultMessagingPort
	}

	mux := http.NewServeMux()
	return &MessagingApp{
		option: option,
		log:    log,
		mux:    mux,
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", option.HostName, option.Port),
			Handler:      mux,
			ReadTimeout:  constants.MessagingReadTimeout,
			WriteTimeout: constants.MessagingWriteTimeout,
		},
	}
}

// Handle registers a handler for POSTs under the app's base path.
// Registering the same path twice panics, matching net/http semantics.
func (a *MessagingApp) Handle(path string, handler http.Handler) {
	a.mux.Handle("POST "+a.option.BasePath+path, a.withRequestID(handler))
	a.log.WithField("path", a.option.BasePath+path).Info("messaging-route-registered")
}

// withRequestID tags every inbound webhook with a request id so log
// lines from one delivery can be correlated.
func (a *MessagingApp) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set("X-Request-Id", requestID)
		a.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"path":       r.URL.Path,
		}).Debug("webhook-request-received")
		next.ServeHTTP(w, r)
	})
}

// BasePath returns the path prefix routes are mounted under.
func (a *MessagingApp) BasePath() string {
	return a.option.BasePath
}

// Start runs the server until it is shut down. A missing TLS key or
// certificate fails fast before the listener opens.
func (a *MessagingApp) Start() error {
	a.log.WithFields(logrus.Fields{
		"address":  a.server.Addr,
		"protocol": a.option.Protocol,
	}).Info("messaging-app-listening")

	var err error
	if a.option.Protocol == "https" {
		if _, statErr := os.Stat(a.option.TLSKey); statErr != nil {
			return fmt.Errorf("TLS key file %q is not readable: %w", a.option.TLSKey, statErr)
		}
		if _, statErr := os.Stat(a.option.TLSCert); statErr != nil {
			return fmt.Errorf("TLS certificate file %q is not readable: %w", a.option.TLSCert, statErr)
		}
		err = a.server.ListenAndServeTLS(a.option.TLSCert, a.option.TLSKey)
	} else {
		err = a.server.ListenAndServe()
	}

	if err != nil && err != http.ErrServerClosed {
		return err
	}

	a.log.Info("messaging-app-stopped")
	return nil
}

// Shutdown stops the server gracefully.
func (a *MessagingApp) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}
