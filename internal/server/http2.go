package server

import (
	"net/http"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// EnableHTTP2 configures HTTP/2 for the server. With TLS it is automatic;
// without, the handler is wrapped for h2c. Plain HTTP/1.1 upgrades (the
// websocket path) fall through the h2c wrapper untouched.
func EnableHTTP2(srv *http.Server, useTLS bool) {
	if useTLS {
		return
	}
	srv.Handler = h2c.NewHandler(srv.Handler, &http2.Server{})
}
