// Package headerfilter implements the response/request header mutation
// engine: typed fast-path header slots, wildcard deletions, Expires/
// Cache-Control computation, and synthetic request header injection.
package headerfilter

import (
	"time"

	"github.com/nginxkit/proxycore/internal/template"
)

// Value is the compiled template type header rules and expires configs
// evaluate per-request. Aliased here so callers of this package never need
// to import the template package directly for rule construction.
type Value = template.Value

// Vars resolves per-request variables for template evaluation.
type Vars = template.Vars

// HeaderEntry is one generic header in a response or request header list.
// A hash of 0 marks the entry tombstoned; downstream emitters must skip it.
type HeaderEntry struct {
	Key          string
	Value        string
	Hash         uint32
	KeyLowercase string
}

// Live reports whether the entry should be emitted.
func (e *HeaderEntry) Live() bool { return e.Hash != 0 }

// HeaderList is the backing store for a response or request's generic
// headers. Typed slots and multi-slots hold indices into this slice.
type HeaderList struct {
	entries []HeaderEntry
}

// noSlot is the sentinel for an empty typed-slot back-reference.
const noSlot = -1

// Append adds a live entry and returns its index.
func (l *HeaderList) Append(key, value string) int {
	l.entries = append(l.entries, HeaderEntry{
		Key:          key,
		Value:        value,
		Hash:         1,
		KeyLowercase: lowerASCII(key),
	})
	return len(l.entries) - 1
}

// At returns the entry at idx. idx must be a valid index into the list.
func (l *HeaderList) At(idx int) *HeaderEntry { return &l.entries[idx] }

// Len returns the number of slots ever allocated, live or tombstoned.
func (l *HeaderList) Len() int { return len(l.entries) }

// Tombstone marks the entry at idx dead.
func (l *HeaderList) Tombstone(idx int) {
	l.entries[idx].Hash = 0
	l.entries[idx].Value = ""
}

// Live returns the key/value pairs of all live entries, in list order.
func (l *HeaderList) Live() []HeaderEntry {
	out := make([]HeaderEntry, 0, len(l.entries))
	for _, e := range l.entries {
		if e.Live() {
			out = append(out, e)
		}
	}
	return out
}

// TypedSlot is a back-reference to a single HeaderEntry, used for headers
// that have at most one meaningful value (Server, Last-Modified, ...).
type TypedSlot struct {
	index int // noSlot when empty
}

func (s *TypedSlot) Empty() bool { return s == nil || s.index == noSlot }

func (s *TypedSlot) clear() { s.index = noSlot }

// MultiSlot is a dynamic array of references to list entries, for headers
// that may legitimately repeat (Link, Cache-Control, Set-Cookie, ...).
type MultiSlot struct {
	indices []int
}

func (m *MultiSlot) append(idx int) { m.indices = append(m.indices, idx) }

// Entries projects the multi-slot's live entries from the backing list.
func (m *MultiSlot) Entries(l *HeaderList) []HeaderEntry {
	out := make([]HeaderEntry, 0, len(m.indices))
	for _, idx := range m.indices {
		e := l.At(idx)
		if e.Live() {
			out = append(out, *e)
		}
	}
	return out
}

// HandlerKind enumerates the closed set of recognized-header dispatch
// targets. The set is closed by design: see design notes on dynamic
// dispatch via function-pointer tables.
type HandlerKind int

const (
	SetTyped HandlerKind = iota
	AddMulti
	AddGeneric
	SetLastModified
	SetAcceptRanges
	SetContentLength
	SetContentType
	SetHostReq
	SetConnReq
	SetUAReq
	SetCLenReq
	SetGenericReq
)

func handlerKindName(k HandlerKind) string {
	switch k {
	case SetTyped:
		return "set_typed"
	case AddMulti:
		return "add_multi"
	case AddGeneric:
		return "add_generic"
	case SetLastModified:
		return "set_last_modified"
	case SetAcceptRanges:
		return "set_accept_ranges"
	case SetContentLength:
		return "set_content_length"
	case SetContentType:
		return "set_content_type"
	case SetHostReq:
		return "set_host_req"
	case SetConnReq:
		return "set_conn_req"
	case SetUAReq:
		return "set_ua_req"
	case SetCLenReq:
		return "set_clen_req"
	case SetGenericReq:
		return "set_generic_req"
	default:
		return "unknown"
	}
}

// HeaderRule is one configured add_header/add_trailer/add_input_header rule.
type HeaderRule struct {
	Key             string
	Always          bool
	Handler         HandlerKind
	ValueTemplate   Value
	SubrequestApply bool
}

// ExpiresMode enumerates the expires directive's resolved mode.
type ExpiresMode int

const (
	ExpiresUnset ExpiresMode = iota
	ExpiresOff
	ExpiresEpoch
	ExpiresMax
	ExpiresAccess
	ExpiresModified
	ExpiresDaily
)

// ExpiresConfig is the resolved expires directive for one location.
type ExpiresConfig struct {
	Mode            ExpiresMode
	Seconds         time.Duration
	Negative        bool
	DynamicTemplate *Value
}

// ResponseHeaders is the struct HF operates on for one response.
type ResponseHeaders struct {
	List HeaderList

	Server          TypedSlot
	Date            TypedSlot
	ContentEncoding TypedSlot
	Location        TypedSlot
	Refresh         TypedSlot
	ContentRange    TypedSlot
	WWWAuthenticate TypedSlot
	Expires         TypedSlot
	ETag            TypedSlot
	AcceptRanges    TypedSlot

	Link         MultiSlot
	CacheControl MultiSlot

	LastModified     TypedSlot
	LastModifiedTime int64 // unix seconds, -1 if unknown
	AllowRanges      bool

	ContentLengthN int64 // -1 if unknown
	ContentType    string
	Charset        string

	ExpectTrailers bool
}

func NewResponseHeaders() *ResponseHeaders {
	r := &ResponseHeaders{}
	r.clearSlots()
	r.LastModifiedTime = -1
	r.ContentLengthN = -1
	r.AllowRanges = true
	return r
}

func (r *ResponseHeaders) clearSlots() {
	for _, s := range []*TypedSlot{
		&r.Server, &r.Date, &r.ContentEncoding, &r.Location, &r.Refresh,
		&r.ContentRange, &r.WWWAuthenticate, &r.Expires, &r.ETag,
		&r.AcceptRanges, &r.LastModified,
	} {
		s.clear()
	}
}

// RequestHeaders is the struct HF/input-header injection operates on.
type RequestHeaders struct {
	List HeaderList

	Host          TypedSlot
	Connection    TypedSlot
	UserAgent     TypedSlot
	Referer       TypedSlot
	ContentLength TypedSlot
	ContentRange  TypedSlot
	ContentType   TypedSlot
	Range         TypedSlot
	IfRange       TypedSlot
	TE            TypedSlot
	Expect        TypedSlot
	Upgrade       TypedSlot
	Via           TypedSlot
	Authorization TypedSlot
	KeepAlive     TypedSlot

	XForwardedFor MultiSlot
	XRealIP       MultiSlot
	Accept        MultiSlot
	AcceptLang    MultiSlot
	Cookie        MultiSlot

	HostText          string // lowercased, validated
	ContentLengthN    int64
	KeepaliveExplicit bool
	UpgradeRequested  bool
}

func NewRequestHeaders() *RequestHeaders {
	r := &RequestHeaders{}
	r.clearSlots()
	r.ContentLengthN = -1
	return r
}

func (r *RequestHeaders) clearSlots() {
	for _, s := range []*TypedSlot{
		&r.Host, &r.Connection, &r.UserAgent, &r.Referer, &r.ContentLength,
		&r.ContentRange, &r.ContentType, &r.Range, &r.IfRange, &r.TE,
		&r.Expect, &r.Upgrade, &r.Via, &r.Authorization, &r.KeepAlive,
	} {
		s.clear()
	}
}

func lowerASCII(s string) string {
	b := []byte(s)
	changed := false
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
			changed = true
		}
	}
	if !changed {
		return s
	}
	return string(b)
}
