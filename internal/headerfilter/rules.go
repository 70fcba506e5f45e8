package headerfilter

import (
	"strconv"
	"strings"
)

// safeStatus is the whitelist of response codes non-always rules apply to.
var safeStatus = map[int]bool{
	200: true, 201: true, 204: true, 206: true,
	301: true, 302: true, 303: true, 304: true, 307: true, 308: true,
}

// IsSafeStatus reports whether status is in the safe-status set.
func IsSafeStatus(status int) bool { return safeStatus[status] }

// applies reports whether rule fires for the given status.
func (r *HeaderRule) applies(status int) bool {
	return r.Always || IsSafeStatus(status)
}

// recognizedResponseHandler maps a canonical response header name to its
// dispatch kind, built once and consulted by NewResponseRule. The set is
// closed by design (see design notes on dynamic dispatch).
var recognizedResponseHandler = map[string]HandlerKind{
	"Link":             AddMulti,
	"Server":           SetTyped,
	"Date":             SetTyped,
	"Content-Encoding": SetTyped,
	"Location":         SetTyped,
	"Refresh":          SetTyped,
	"Content-Range":    SetTyped,
	"WWW-Authenticate": SetTyped,
	"Expires":          SetTyped,
	"ETag":             SetTyped,
	"Last-Modified":    SetLastModified,
	"Accept-Ranges":    SetAcceptRanges,
	"Content-Length":   SetContentLength,
	"Content-Type":     SetContentType,
	"Cache-Control":    AddMulti,
}

// recognizedRequestHandler maps a canonical request header name to its
// dispatch kind for add_input_header.
var recognizedRequestHandler = map[string]HandlerKind{
	"Host":            SetHostReq,
	"Connection":      SetConnReq,
	"User-Agent":      SetUAReq,
	"Content-Length":  SetCLenReq,
}

// NewResponseRule builds a HeaderRule for an add_header/add_trailer
// directive, resolving to the recognized typed handler when the name is
// in the closed set, otherwise a generic add/delete rule.
func NewResponseRule(name string, value Value, always, subrequestApply bool) (*HeaderRule, error) {
	if strings.HasSuffix(name, "*") {
		if !value.Empty() {
			return nil, newErr(ConfigInvalid, "add_header", errWildcardValue)
		}
		return &HeaderRule{Key: name, Always: always, Handler: AddGeneric, ValueTemplate: value, SubrequestApply: subrequestApply}, nil
	}
	kind, ok := recognizedResponseHandler[canonicalHeaderName(name)]
	if !ok {
		kind = AddGeneric
	}
	return &HeaderRule{Key: name, Always: always, Handler: kind, ValueTemplate: value, SubrequestApply: subrequestApply}, nil
}

// NewInputHeaderRule builds a HeaderRule for an add_input_header directive.
func NewInputHeaderRule(name string, value Value) (*HeaderRule, error) {
	if strings.HasSuffix(name, "*") {
		if !value.Empty() {
			return nil, newErr(ConfigInvalid, "add_input_header", errWildcardValue)
		}
		return &HeaderRule{Key: name, Always: true, Handler: SetGenericReq, ValueTemplate: value}, nil
	}
	kind, ok := recognizedRequestHandler[canonicalHeaderName(name)]
	if !ok {
		kind = SetGenericReq
	}
	return &HeaderRule{Key: name, Always: true, Handler: kind, ValueTemplate: value}, nil
}

func canonicalHeaderName(name string) string {
	parts := strings.Split(name, "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + strings.ToLower(p[1:])
	}
	return strings.Join(parts, "-")
}

var errWildcardValue = hostErr("wildcard rule must have an empty value template")

// applyResponseRule dispatches one rule against resp for the given status.
func applyResponseRule(resp *ResponseHeaders, rule *HeaderRule, status int, vars Vars) error {
	if !rule.applies(status) {
		return nil
	}
	value := rule.ValueTemplate.Evaluate(vars)

	switch rule.Handler {
	case SetTyped:
		setTypedResponse(resp, rule.Key, value)
	case AddMulti:
		addMultiResponse(resp, rule.Key, value)
	case AddGeneric:
		applyGenericDelete(&resp.List, rule.Key, value)
	case SetLastModified:
		setLastModified(resp, value)
	case SetAcceptRanges:
		setAcceptRanges(resp, value)
	case SetContentLength:
		if err := setContentLength(resp, value); err != nil {
			return err
		}
	case SetContentType:
		setContentTypeHeader(resp, value)
	}
	return nil
}

func slotFor(resp *ResponseHeaders, key string) *TypedSlot {
	switch canonicalHeaderName(key) {
	case "Server":
		return &resp.Server
	case "Date":
		return &resp.Date
	case "Content-Encoding":
		return &resp.ContentEncoding
	case "Location":
		return &resp.Location
	case "Refresh":
		return &resp.Refresh
	case "Content-Range":
		return &resp.ContentRange
	case "WWW-Authenticate":
		return &resp.WWWAuthenticate
	case "Expires":
		return &resp.Expires
	case "ETag":
		return &resp.ETag
	default:
		return nil
	}
}

// setTypedResponse implements the SET_TYPED handler semantics.
func setTypedResponse(resp *ResponseHeaders, key, value string) {
	slot := slotFor(resp, key)
	if slot == nil {
		return
	}
	if value == "" {
		if !slot.Empty() {
			resp.List.Tombstone(slot.index)
		}
		slot.clear()
		return
	}
	upsertTyped(&resp.List, slot, key, value)
}

func upsertTyped(list *HeaderList, slot *TypedSlot, key, value string) {
	if !slot.Empty() {
		e := list.At(slot.index)
		e.Value = value
		e.Hash = 1
		return
	}
	idx := list.Append(key, value)
	slot.index = idx
}

func multiSlotFor(resp *ResponseHeaders, key string) *MultiSlot {
	switch canonicalHeaderName(key) {
	case "Link":
		return &resp.Link
	case "Cache-Control":
		return &resp.CacheControl
	default:
		return nil
	}
}

// addMultiResponse implements the ADD_MULTI handler semantics: empty value
// is a no-op, non-empty value appends a new entry and a new slot reference.
func addMultiResponse(resp *ResponseHeaders, key, value string) {
	if value == "" {
		return
	}
	idx := resp.List.Append(key, value)
	if slot := multiSlotFor(resp, key); slot != nil {
		slot.append(idx)
	}
}

// applyGenericDelete implements ADD_GENERIC: empty value deletes matching
// entries (wildcard-aware); non-empty value appends a new entry.
func applyGenericDelete(list *HeaderList, key, value string) {
	if value != "" {
		list.Append(key, value)
		return
	}
	deleteMatching(list, key)
}

// deleteMatching tombstones every live entry whose name matches key,
// honoring a trailing "*" as a case-insensitive prefix match. It always
// walks the entire list, matching the source's all-matches-not-first-only
// behavior.
func deleteMatching(list *HeaderList, key string) {
	wildcard := strings.HasSuffix(key, "*")
	prefix := strings.ToLower(strings.TrimSuffix(key, "*"))
	for i := 0; i < list.Len(); i++ {
		e := list.At(i)
		if !e.Live() {
			continue
		}
		name := strings.ToLower(e.Key)
		match := false
		if wildcard {
			match = strings.HasPrefix(name, prefix)
		} else {
			match = name == prefix
		}
		if match {
			list.Tombstone(i)
		}
	}
}

func setLastModified(resp *ResponseHeaders, value string) {
	if value == "" {
		if !resp.LastModified.Empty() {
			resp.List.Tombstone(resp.LastModified.index)
		}
		resp.LastModified.clear()
		resp.LastModifiedTime = -1
		return
	}
	t, err := parseHTTPDate(value)
	if err == nil {
		resp.LastModifiedTime = t.Unix()
	}
	upsertTyped(&resp.List, &resp.LastModified, "Last-Modified", value)
}

func setAcceptRanges(resp *ResponseHeaders, value string) {
	if value == "" {
		resp.AllowRanges = false
		if !resp.AcceptRanges.Empty() {
			resp.List.Tombstone(resp.AcceptRanges.index)
		}
		resp.AcceptRanges.clear()
		return
	}
	upsertTyped(&resp.List, &resp.AcceptRanges, "Accept-Ranges", value)
}

func setContentLength(resp *ResponseHeaders, value string) error {
	if value == "" {
		resp.ContentLengthN = -1
		return nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n < 0 {
		return newErr(Allocation, "set_content_length", errBadContentLength)
	}
	resp.ContentLengthN = n
	return nil
}

var errBadContentLength = hostErr("invalid content-length value")

// setContentTypeHeader implements SET_CONTENT_TYPE: parses a trailing
// "; charset=..." parameter without ever touching the generic header list.
func setContentTypeHeader(resp *ResponseHeaders, value string) {
	ct, charset := splitCharset(value)
	resp.ContentType = ct
	resp.Charset = charset
}

func splitCharset(value string) (contentType, charset string) {
	idx := strings.Index(value, ";")
	if idx < 0 {
		return value, ""
	}
	base := value[:idx]
	params := value[idx+1:]
	const marker = "charset="
	p := strings.TrimSpace(params)
	if !strings.HasPrefix(strings.ToLower(p), marker) {
		return value, ""
	}
	cs := strings.TrimSpace(p[len(marker):])
	cs = strings.Trim(cs, `"`)
	return base, cs
}
