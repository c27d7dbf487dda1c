// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package request reports the outgoing HTTP requests of the host
// application by wrapping an http.Client's RoundTripper.
//
// Installing swaps the client's Transport for a recording wrapper and
// keeps the original; uninstalling puts the original back. Requests
// carrying the X-Webeye-Internal header are the pipeline's own
// deliveries and pass through unrecorded, as do requests the Ignore
// option rejects.
package request

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/bureau-foundation/webeye/lib/monitor"
	"github.com/bureau-foundation/webeye/lib/record"
	"github.com/bureau-foundation/webeye/lib/transport"
)

// Name is the plugin name used for lookups through the monitor.
const Name = "request"

// maxParamsBody bounds how much of a request body is read back to
// extract parameters.
const maxParamsBody = 64 << 10

var redactedHeaders = map[string]bool{
	"Authorization":       true,
	"Cookie":              true,
	"Proxy-Authorization": true,
	"Set-Cookie":          true,
}

// Info is the payload of a request record.
type Info struct {
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	Status          int               `json:"status"`
	Duration        int64             `json:"duration"`
	Success         bool              `json:"success"`
	Error           string            `json:"errorMessage,omitempty"`
	Timeout         bool              `json:"timeout,omitempty"`
	RequestHeaders  map[string]string `json:"requestHeaders,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	Params          any               `json:"requestParams,omitempty"`
}

// Options configures the plugin.
type Options struct {
	// Client is the client whose Transport is intercepted. Default:
	// http.DefaultClient.
	Client *http.Client

	// Ignore skips requests for which it returns true.
	Ignore func(*http.Request) bool
}

// Plugin is the request capture plugin.
type Plugin struct {
	*monitor.Base
	interceptor *Interceptor
	ignore      func(*http.Request) bool
}

// New returns an uninstalled request plugin.
func New(options Options) *Plugin {
	client := options.Client
	if client == nil {
		client = http.DefaultClient
	}
	p := &Plugin{
		Base:   monitor.NewBase(Name),
		ignore: options.Ignore,
	}
	p.interceptor = NewInterceptor(client, p.observe)
	return p
}

func (p *Plugin) Install(host monitor.Host) error { return p.Base.Install(host, p.init) }

func (p *Plugin) Uninstall() error { return p.Base.Uninstall(p.destroy) }

func (p *Plugin) init(monitor.Host) error {
	if !p.interceptor.Install() {
		p.Logger().Warn("client transport already intercepted")
	}
	return nil
}

func (p *Plugin) destroy() error {
	p.interceptor.Uninstall()
	return nil
}

// observe is the interceptor callback. It returns nil for requests
// that are not recorded.
func (p *Plugin) observe(request *http.Request) func(*http.Response, error) {
	host := p.Host()
	if host == nil || request.Header.Get(transport.HeaderInternal) != "" {
		return nil
	}
	if p.ignore != nil && p.ignore(request) {
		return nil
	}

	start := host.Clock().Now()
	info := Info{
		URL:            request.URL.String(),
		Method:         strings.ToUpper(request.Method),
		RequestHeaders: flattenHeaders(request.Header),
		Params:         requestParams(request),
	}
	if info.Method == "" {
		info.Method = http.MethodGet
	}

	ctx := request.Context()
	return func(response *http.Response, err error) {
		p.SafeExecute(func() {
			info.Duration = host.Clock().Now().Sub(start).Milliseconds()
			if err != nil {
				info.Error = err.Error()
				info.Timeout = errors.Is(err, context.DeadlineExceeded)
			} else {
				info.Status = response.StatusCode
				info.Success = response.StatusCode >= 200 && response.StatusCode < 400
				info.ResponseHeaders = flattenHeaders(response.Header)
				if !info.Success {
					info.Error = "HTTP Error: " + response.Status
				}
			}
			if reportErr := p.Report(context.WithoutCancel(ctx), record.Partial{
				Type:    record.TypeRequest,
				Payload: info,
			}); reportErr != nil {
				p.Logger().Warn("request report failed", "url", info.URL, "error", reportErr)
			}
		})
	}
}

func flattenHeaders(header http.Header) map[string]string {
	if len(header) == 0 {
		return nil
	}
	flat := make(map[string]string, len(header))
	for key, values := range header {
		key = http.CanonicalHeaderKey(key)
		if redactedHeaders[key] {
			flat[key] = "[redacted]"
			continue
		}
		flat[key] = strings.Join(values, ", ")
	}
	return flat
}

// requestParams extracts the query of a GET and the form or JSON body
// of a POST, PUT or PATCH. Bodies are only read through GetBody so the
// request itself is never consumed.
func requestParams(request *http.Request) any {
	switch request.Method {
	case "", http.MethodGet, http.MethodHead, http.MethodDelete:
		if request.URL.RawQuery == "" {
			return nil
		}
		return flattenValues(request.URL.Query())
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return nil
	}

	if request.GetBody == nil || request.ContentLength <= 0 || request.ContentLength > maxParamsBody {
		return nil
	}
	body, err := request.GetBody()
	if err != nil {
		return nil
	}
	defer body.Close()
	data, err := io.ReadAll(io.LimitReader(body, maxParamsBody))
	if err != nil {
		return nil
	}

	mediaType, _, _ := mime.ParseMediaType(request.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(data))
		if err != nil {
			return string(data)
		}
		return flattenValues(values)
	default:
		var decoded any
		decoder := json.NewDecoder(bytes.NewReader(data))
		decoder.UseNumber()
		if err := decoder.Decode(&decoded); err == nil {
			return decoded
		}
		return string(data)
	}
}

func flattenValues(values url.Values) map[string]any {
	flat := make(map[string]any, len(values))
	for key, list := range values {
		if len(list) == 1 {
			flat[key] = list[0]
		} else {
			flat[key] = list
		}
	}
	return flat
}

// Interceptor wraps the Transport of one http.Client. Install and
// Uninstall are idempotent.
type Interceptor struct {
	client  *http.Client
	observe func(*http.Request) func(*http.Response, error)

	mutex     sync.Mutex
	original  http.RoundTripper
	installed bool
}

// NewInterceptor returns an interceptor for client. For every request
// observe is called before the round trip; a non-nil result is called
// with its outcome.
func NewInterceptor(client *http.Client, observe func(*http.Request) func(*http.Response, error)) *Interceptor {
	return &Interceptor{client: client, observe: observe}
}

// Install replaces the client's Transport. It returns false when the
// interceptor is already installed.
func (i *Interceptor) Install() bool {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	if i.installed {
		return false
	}
	i.original = i.client.Transport
	next := i.original
	if next == nil {
		next = http.DefaultTransport
	}
	i.client.Transport = &roundTripper{next: next, observe: i.observe}
	i.installed = true
	return true
}

// Uninstall restores the original Transport. It returns false when
// the interceptor was not installed.
func (i *Interceptor) Uninstall() bool {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	if !i.installed {
		return false
	}
	i.client.Transport = i.original
	i.original = nil
	i.installed = false
	return true
}

// Installed reports whether the client's Transport is wrapped.
func (i *Interceptor) Installed() bool {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	return i.installed
}

type roundTripper struct {
	next    http.RoundTripper
	observe func(*http.Request) func(*http.Response, error)
}

func (rt *roundTripper) RoundTrip(request *http.Request) (*http.Response, error) {
	done := rt.observe(request)
	response, err := rt.next.RoundTrip(request)
	if done != nil {
		done(response, err)
	}
	return response, err
}
