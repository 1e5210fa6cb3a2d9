package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"
	goa "goa.design/goa/v3/pkg"

	"visionrelay/internal/auth"
	authmdlwr "visionrelay/internal/middleware"
	"visionrelay/internal/pipeline"
	"visionrelay/internal/services"
)

// httpRoutes holds everything the HTTP server exposes
type httpRoutes struct {
	health   *services.HealthImplementation
	vision   *services.VisionImplementation
	settings *services.SettingsImplementation
	auth     *services.AuthImplementation
	overlay  http.Handler
	snapshot http.Handler
	viewers  http.Handler
}

// mount is one route on the muxer
type mount struct {
	Method    string
	Verb      string
	Pattern   string
	Handler   http.Handler
	Protected bool
}

// requestDecoderFunc decodes a request into an endpoint payload
type requestDecoderFunc func(r *http.Request) (any, error)

// handleHTTPServer starts configures and starts a HTTP server on the given
// URL. It shuts down the server if any error is received in the error channel.
func handleHTTPServer(ctx context.Context, u *url.URL, routes *httpRoutes, authenticator *auth.Authenticator, wg *sync.WaitGroup, errc chan error, logger *log.Logger, debug bool) {

	// Setup goa log adapter.
	var (
		adapter middleware.Logger
	)
	{
		adapter = middleware.NewLogger(logger)
	}

	// Provide the transport specific request decoder and response encoder.
	var (
		dec = goahttp.RequestDecoder
		enc = goahttp.ResponseEncoder
	)

	// Build the service HTTP request multiplexer and configure it to serve
	// HTTP requests to the service endpoints.
	var mux goahttp.Muxer
	{
		mux = goahttp.NewMuxer()
	}

	eh := errorHandler(logger)
	serve := func(e goa.Endpoint, decode requestDecoderFunc) http.Handler {
		return endpointHandler(e, decode, enc, eh)
	}

	mounts := []mount{
		{"Healthz", "GET", "/health", serve(healthzEndpoint(routes.health), nil), false},
		{"Readyz", "GET", "/ready", serve(readyzEndpoint(routes.health), nil), false},
		{"Login", "POST", "/api/v1/auth/login", serve(loginEndpoint(routes.auth), decodeBody[services.LoginPayload](dec)), false},
		{"AuthStatus", "GET", "/api/v1/auth/status", serve(authStatusEndpoint(routes.auth), nil), true},
		{"Start", "POST", "/api/v1/vision/start", serve(startEndpoint(routes.vision), decodeBody[services.StartPayload](dec)), true},
		{"Stop", "POST", "/api/v1/vision/stop", serve(stopEndpoint(routes.vision), nil), true},
		{"Status", "GET", "/api/v1/vision/status", serve(statusEndpoint(routes.vision), nil), true},
		{"Latest", "GET", "/api/v1/vision/latest", serve(latestEndpoint(routes.vision), nil), true},
		{"RecognizeText", "POST", "/api/v1/vision/ocr", serve(ocrEndpoint(routes.vision), nil), true},
		{"GetSettings", "GET", "/api/v1/settings/analysis", serve(getSettingsEndpoint(routes.settings), nil), true},
		{"UpdateSettings", "PUT", "/api/v1/settings/analysis", serve(updateSettingsEndpoint(routes.settings), decodeBody[pipeline.AnalysisOverrides](dec)), true},
		{"Overlay", "GET", "/video/overlay", routes.overlay, false},
		{"Snapshot", "GET", "/video/snapshot", routes.snapshot, false},
		{"Viewers", "GET", "/ws/vision", routes.viewers, false},
	}

	// Configure the mux.
	protect := authmdlwr.AuthMiddleware(authenticator)
	for _, m := range mounts {
		h := m.Handler
		if m.Protected {
			h = protect(h)
		}
		mux.Handle(m.Verb, m.Pattern, h.ServeHTTP)
		logger.Printf("HTTP %q mounted on %s %s", m.Method, m.Verb, m.Pattern)
	}

	// Wrap the multiplexer with additional middlewares. Middlewares mounted
	// here apply to all the service endpoints.
	var handler http.Handler = mux
	{
		if debug {
			handler = httpmdlwr.Debug(mux, os.Stdout)(handler)
		}
		handler = httpmdlwr.Log(adapter)(handler)
		handler = httpmdlwr.RequestID()(handler)
	}

	// The MJPEG and websocket routes hold their connections open, so only
	// the header read is bounded.
	srv := &http.Server{Addr: u.Host, Handler: handler, ReadHeaderTimeout: time.Second * 60}

	(*wg).Add(1)
	go func() {
		defer (*wg).Done()

		// Start HTTP server in a separate goroutine.
		go func() {
			logger.Printf("HTTP server listening on %q", u.Host)
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		logger.Printf("shutting down HTTP server at %q", u.Host)

		// Shutdown gracefully with a 30s timeout.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := srv.Shutdown(ctx)
		if err != nil {
			logger.Printf("failed to shutdown: %v", err)
		}
	}()
}

// endpointHandler decodes the request, invokes the endpoint and encodes the
// response. Service errors become {"error", "request_id"} bodies.
func endpointHandler(e goa.Endpoint, decode requestDecoderFunc, encoder func(context.Context, http.ResponseWriter) goahttp.Encoder, eh func(context.Context, http.ResponseWriter, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), goahttp.AcceptTypeKey, r.Header.Get("Accept"))

		var payload any
		if decode != nil {
			var err error
			if payload, err = decode(r); err != nil {
				writeError(ctx, w, encoder, eh, err)
				return
			}
		}

		res, err := e(ctx, payload)
		if err != nil {
			writeError(ctx, w, encoder, eh, err)
			return
		}

		if res == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		enc := encoder(ctx, w)
		w.WriteHeader(http.StatusOK)
		if err := enc.Encode(res); err != nil {
			eh(ctx, w, err)
		}
	})
}

// errorBody is the JSON shape of every API error
type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(ctx context.Context, w http.ResponseWriter, encoder func(context.Context, http.ResponseWriter) goahttp.Encoder, eh func(context.Context, http.ResponseWriter, error), err error) {
	status := services.StatusCode(err)
	id := requestID(ctx)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		log.Printf("[HTTP] [%s] ERROR: %v", id, err)
	}

	msg := err.Error()
	var se *goa.ServiceError
	if errors.As(err, &se) {
		msg = se.Message
	}

	enc := encoder(ctx, w)
	w.WriteHeader(status)
	if encErr := enc.Encode(&errorBody{Error: msg, RequestID: id}); encErr != nil {
		eh(ctx, w, encErr)
	}
}

// decodeBody decodes an optional JSON body into T. An empty body yields a
// zero T.
func decodeBody[T any](decoder func(*http.Request) goahttp.Decoder) requestDecoderFunc {
	return func(r *http.Request) (any, error) {
		var body T
		if err := decoder(r).Decode(&body); err != nil {
			if errors.Is(err, io.EOF) {
				return &body, nil
			}
			return nil, goa.PermanentError(services.ErrNameBadRequest, "invalid request body: %v", err)
		}
		return &body, nil
	}
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(middleware.RequestIDKey).(string)
	return id
}

// errorHandler returns a function that writes and logs the given error.
// The function also writes and logs the error unique ID so that it's possible
// to correlate.
func errorHandler(logger *log.Logger) func(context.Context, http.ResponseWriter, error) {
	return func(ctx context.Context, w http.ResponseWriter, err error) {
		id := requestID(ctx)
		_, _ = w.Write([]byte("[" + id + "] encoding: " + err.Error()))
		logger.Printf("[%s] ERROR: %s", id, err.Error())
	}
}

func healthzEndpoint(s *services.HealthImplementation) goa.Endpoint {
	return func(ctx context.Context, _ any) (any, error) {
		if err := s.Healthz(ctx); err != nil {
			return nil, err
		}
		return map[string]string{"status": "ok"}, nil
	}
}

func readyzEndpoint(s *services.HealthImplementation) goa.Endpoint {
	return func(ctx context.Context, _ any) (any, error) {
		return s.Readyz(ctx)
	}
}

func loginEndpoint(s *services.AuthImplementation) goa.Endpoint {
	return func(ctx context.Context, req any) (any, error) {
		return s.Login(ctx, req.(*services.LoginPayload))
	}
}

func authStatusEndpoint(s *services.AuthImplementation) goa.Endpoint {
	return func(ctx context.Context, _ any) (any, error) {
		return s.Status(ctx)
	}
}

func startEndpoint(s *services.VisionImplementation) goa.Endpoint {
	return func(ctx context.Context, req any) (any, error) {
		return s.Start(ctx, req.(*services.StartPayload))
	}
}

func stopEndpoint(s *services.VisionImplementation) goa.Endpoint {
	return func(ctx context.Context, _ any) (any, error) {
		return s.Stop(ctx)
	}
}

func statusEndpoint(s *services.VisionImplementation) goa.Endpoint {
	return func(ctx context.Context, _ any) (any, error) {
		return s.Status(ctx)
	}
}

func latestEndpoint(s *services.VisionImplementation) goa.Endpoint {
	return func(ctx context.Context, _ any) (any, error) {
		return s.Latest(ctx)
	}
}

func ocrEndpoint(s *services.VisionImplementation) goa.Endpoint {
	return func(ctx context.Context, _ any) (any, error) {
		return s.RecognizeText(ctx)
	}
}

func getSettingsEndpoint(s *services.SettingsImplementation) goa.Endpoint {
	return func(ctx context.Context, _ any) (any, error) {
		return s.Get(ctx)
	}
}

func updateSettingsEndpoint(s *services.SettingsImplementation) goa.Endpoint {
	return func(ctx context.Context, req any) (any, error) {
		return s.Update(ctx, req.(*pipeline.AnalysisOverrides))
	}
}
