// Package main runs the file gateway as an AWS Lambda function behind an API
// Gateway proxy integration. Requests are replayed through the same router as
// the HTTP server.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"unicode/utf8"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/bleepstore/filegateway/internal/app"
	"github.com/bleepstore/filegateway/internal/config"
	"github.com/bleepstore/filegateway/internal/jsonutil"
)

// proxy adapts API Gateway proxy events to an http.Handler.
type proxy struct {
	handler http.Handler
	// flush, when set, ships queued log events before the invocation
	// returns. Lambda may freeze the process between invocations.
	flush func(context.Context) error
}

func (p *proxy) handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if p.flush != nil {
		defer func() {
			if err := p.flush(ctx); err != nil {
				slog.Warn("Flushing log sinks failed", "error", err)
			}
		}()
	}

	req, err := newRequest(ctx, event)
	if err != nil {
		slog.Warn("Rejecting malformed proxy event", "path", event.Path, "error", err)
		rec := newResponseRecorder()
		jsonutil.WriteMessage(rec, http.StatusBadRequest, "Request body is not valid base64.")
		return rec.response(), nil
	}

	rec := newResponseRecorder()
	p.handler.ServeHTTP(rec, req)
	return rec.response(), nil
}

// newRequest builds an http.Request from a proxy event. Multipart uploads
// arrive base64 encoded.
func newRequest(ctx context.Context, event events.APIGatewayProxyRequest) (*http.Request, error) {
	body := []byte(event.Body)
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			return nil, fmt.Errorf("decoding body: %w", err)
		}
		body = decoded
	}

	query := url.Values{}
	if len(event.MultiValueQueryStringParameters) > 0 {
		for k, vs := range event.MultiValueQueryStringParameters {
			query[k] = append(query[k], vs...)
		}
	} else {
		for k, v := range event.QueryStringParameters {
			query.Set(k, v)
		}
	}

	path := event.Path
	if path == "" {
		path = "/"
	}

	req, err := http.NewRequestWithContext(ctx, event.HTTPMethod, "/", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	// The proxy delivers a decoded path; assigning it directly keeps
	// characters such as spaces intact.
	req.URL = &url.URL{Path: path, RawQuery: query.Encode()}
	req.RequestURI = req.URL.RequestURI()
	req.ContentLength = int64(len(body))

	if len(event.MultiValueHeaders) > 0 {
		for k, vs := range event.MultiValueHeaders {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	} else {
		for k, v := range event.Headers {
			req.Header.Set(k, v)
		}
	}
	req.Host = req.Header.Get("Host")

	if ip := event.RequestContext.Identity.SourceIP; ip != "" {
		req.RemoteAddr = ip
	}
	return req, nil
}

// responseRecorder buffers a handler response for the proxy reply.
type responseRecorder struct {
	header      http.Header
	body        bytes.Buffer
	statusCode  int
	wroteHeader bool
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{header: make(http.Header), statusCode: http.StatusOK}
}

func (r *responseRecorder) Header() http.Header {
	return r.header
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.body.Write(b)
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	if r.wroteHeader {
		return
	}
	r.statusCode = statusCode
	r.wroteHeader = true
}

// response converts the buffered response. Bodies that are not valid UTF-8
// are base64 encoded.
func (r *responseRecorder) response() events.APIGatewayProxyResponse {
	resp := events.APIGatewayProxyResponse{
		StatusCode:        r.statusCode,
		MultiValueHeaders: map[string][]string(r.header),
	}
	if utf8.Valid(r.body.Bytes()) {
		resp.Body = r.body.String()
	} else {
		resp.Body = base64.StdEncoding.EncodeToString(r.body.Bytes())
		resp.IsBase64Encoded = true
	}
	return resp
}

func main() {
	// An empty path skips the config file; Lambda is configured through the
	// environment.
	cfg, err := config.Load(os.Getenv("FILEGATEWAY_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	a, err := app.New(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start: %v\n", err)
		os.Exit(1)
	}

	p := &proxy{handler: a.Server.Handler(), flush: a.Flush}
	lambda.Start(p.handle)
}
