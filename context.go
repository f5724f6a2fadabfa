package admitcore

// Context carries the per-request facts a KeyResolver and engine need to
// evaluate admission: the expression describing how to derive a key, the
// caller's resolved principal (if authenticated), transport-level address
// information, and the inbound headers/arguments a resolver may inspect.
//
// Context is built once per request via NewContext and is immutable
// thereafter; defensive copies are taken of slice/map inputs so callers
// cannot mutate a Context after constructing it.
type Context struct {
	keyExpression   string
	principal       string
	remoteAddress   string
	forwardedFor    string
	methodSignature string
	methodArguments []any
	requestHeaders  map[string][]string
}

const defaultKeyExpression = "#ip"

func (c Context) KeyExpression() string { return c.keyExpression }
func (c Context) Principal() string { return c.principal }
func (c Context) RemoteAddress() string { return c.remoteAddress }
func (c Context) ForwardedFor() string { return c.forwardedFor }
func (c Context) MethodSignature() string { return c.methodSignature }

func (c Context) MethodArguments() []any {
	if c.methodArguments == nil {
		return nil
	}
	out := make([]any, len(c.methodArguments))
	copy(out, c.methodArguments)
	return out
}

// Header returns the values of a request header, matching case-insensitively
// the way HTTP header lookups conventionally behave.
func (c Context) Header(name string) []string {
	if c.requestHeaders == nil {
		return nil
	}
	if v, ok := c.requestHeaders[canonicalHeaderKey(name)]; ok {
		out := make([]string, len(v))
		copy(out, v)
		return out
	}
	return nil
}

// ContextOption configures a Context under construction via NewContext.
type ContextOption func(*Context)

func WithKeyExpression(expr string) ContextOption {
	return func(c *Context) { c.keyExpression = expr }
}

func WithPrincipal(principal string) ContextOption {
	return func(c *Context) { c.principal = principal }
}

func WithRemoteAddress(addr string) ContextOption {
	return func(c *Context) { c.remoteAddress = addr }
}

func WithForwardedFor(header string) ContextOption {
	return func(c *Context) { c.forwardedFor = header }
}

func WithMethodSignature(sig string) ContextOption {
	return func(c *Context) { c.methodSignature = sig }
}

func WithMethodArguments(args ...any) ContextOption {
	return func(c *Context) {
		c.methodArguments = append([]any(nil), args...)
	}
}

func WithHeaders(headers map[string][]string) ContextOption {
	return func(c *Context) {
		if headers == nil {
			return
		}
		c.requestHeaders = make(map[string][]string, len(headers))
		for k, v := range headers {
			vv := make([]string, len(v))
			copy(vv, v)
			c.requestHeaders[canonicalHeaderKey(k)] = vv
		}
	}
}

// NewContext builds an immutable Context. With no options, KeyExpression
// defaults to "#ip" and RemoteAddress defaults to "unknown".
func NewContext(opts ...ContextOption) Context {
	c := Context{
		keyExpression: defaultKeyExpression,
		remoteAddress: "unknown",
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// canonicalHeaderKey lower-cases a header name for case-insensitive lookup
// without pulling in net/textproto's MIME-style canonicalization, which
// assumes HTTP semantics this package does not.
func canonicalHeaderKey(name string) string {
	b := []byte(name)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
