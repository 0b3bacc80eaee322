package trapguard

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

// RequestEvent is one normalized inbound interaction. It is immutable once
// built; the classifier and the session store only ever read it.
type RequestEvent struct {
	ID        string            `json:"event_id"`
	Timestamp time.Time         `json:"timestamp"`
	IP        string            `json:"ip"`
	UserAgent string            `json:"user_agent"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Query     map[string]string `json:"query_params,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	// BodyJSON holds the parsed body when it was valid JSON. A body that
	// fails to parse degrades the signal, it never fails the pipeline.
	BodyJSON map[string]any `json:"-"`
}

// Headers worth keeping on the event record. Everything else is noise for
// classification and would bloat the per-session history.
var capturedHeaders = []string{
	"Host",
	"User-Agent",
	"Referer",
	"Content-Type",
	"Accept",
	"Authorization",
	"X-Forwarded-For",
	"X-Api-Key",
}

// NewRequestEvent normalizes a Fiber request into a RequestEvent.
func NewRequestEvent(c *fiber.Ctx) *RequestEvent {
	ev := &RequestEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		IP:        clientIP(c),
		UserAgent: c.Get(fiber.HeaderUserAgent),
		Method:    c.Method(),
		Path:      c.Path(),
		Query:     c.Queries(),
		Headers:   headerSubset(&c.Request().Header),
		Body:      string(c.Body()),
	}
	ev.BodyJSON = parseBodyJSON(ev.Body)
	return ev
}

// clientIP resolves the attacker address, honoring proxy headers first.
func clientIP(c *fiber.Ctx) string {
	if ip := c.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if ip := c.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	return c.IP()
}

func headerSubset(h *fasthttp.RequestHeader) map[string]string {
	subset := make(map[string]string, len(capturedHeaders))
	for _, name := range capturedHeaders {
		if v := h.Peek(name); len(v) > 0 {
			subset[name] = string(v)
		}
	}
	return subset
}

func parseBodyJSON(body string) map[string]any {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "{") {
		return nil
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return nil
	}
	return parsed
}

// haystack flattens the scannable parts of the event into one string for the
// payload matchers.
func (ev *RequestEvent) haystack() string {
	parts := []string{ev.Path, ev.Method, ev.UserAgent}
	if len(ev.Query) > 0 {
		for k, v := range ev.Query {
			parts = append(parts, k+"="+v)
		}
	}
	if ev.Body != "" {
		parts = append(parts, ev.Body)
	}
	return strings.ToLower(strings.Join(parts, " | "))
}

// credentials extracts a login attempt from a JSON or form-encoded body.
// Returns ok=false when the body does not look like a login at all.
func (ev *RequestEvent) credentials() (username, password string, ok bool) {
	if ev.BodyJSON != nil {
		username = stringField(ev.BodyJSON, "username", "user", "email", "login")
		password = stringField(ev.BodyJSON, "password", "pass", "pwd")
		return username, password, username != "" || password != ""
	}
	if strings.Contains(ev.Body, "=") && !strings.ContainsAny(ev.Body, "{}") {
		values, err := url.ParseQuery(ev.Body)
		if err != nil {
			return "", "", false
		}
		username = firstValue(values, "username", "user", "email", "login")
		password = firstValue(values, "password", "pass", "pwd")
		return username, password, username != "" || password != ""
	}
	return "", "", false
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, exists := m[k]; exists {
			if s, isStr := v.(string); isStr {
				return s
			}
		}
	}
	return ""
}

func firstValue(values url.Values, keys ...string) string {
	for _, k := range keys {
		if v := values.Get(k); v != "" {
			return v
		}
	}
	return ""
}
