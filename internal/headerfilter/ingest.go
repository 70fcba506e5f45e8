package headerfilter

import "strconv"

// IngestResponseHeaders builds a ResponseHeaders from the ordered header
// pairs of an upstream response: recognized names populate their typed
// slot or multi-slot (mirroring how the output header filter itself
// indexes incoming proxied headers into typed fields), everything else
// becomes a generic list entry.
func IngestResponseHeaders(pairs [][2]string) *ResponseHeaders {
	resp := NewResponseHeaders()
	for _, kv := range pairs {
		key, value := kv[0], kv[1]
		switch canonicalHeaderName(key) {
		case "Content-Type":
			setContentTypeHeader(resp, value)
		case "Content-Length":
			setContentLength(resp, value)
		case "Last-Modified":
			setLastModified(resp, value)
		case "Accept-Ranges":
			upsertTyped(&resp.List, &resp.AcceptRanges, "Accept-Ranges", value)
		default:
			if slot := slotFor(resp, key); slot != nil {
				upsertTyped(&resp.List, slot, key, value)
				continue
			}
			if slot := multiSlotFor(resp, key); slot != nil {
				idx := resp.List.Append(key, value)
				slot.append(idx)
				continue
			}
			resp.List.Append(key, value)
		}
	}
	return resp
}

// IngestRequestHeaders builds a RequestHeaders from the ordered header
// pairs of an inbound request, populating the typed slots add_input_header
// rules dispatch against and leaving everything else generic.
func IngestRequestHeaders(pairs [][2]string) *RequestHeaders {
	req := NewRequestHeaders()
	for _, kv := range pairs {
		key, value := kv[0], kv[1]
		switch canonicalHeaderName(key) {
		case "Host":
			setHostRequest(req, value)
		case "Connection":
			setConnRequest(req, value)
		case "User-Agent":
			setUARequest(req, value)
		case "Content-Length":
			setContentLengthRequest(req, value)
		default:
			req.List.Append(key, value)
		}
	}
	return req
}

// EmitRequestHeaders renders req back to ordered header pairs.
func EmitRequestHeaders(req *RequestHeaders) [][2]string {
	return requestListPairs(req)
}

func requestListPairs(req *RequestHeaders) [][2]string {
	live := req.List.Live()
	out := make([][2]string, 0, len(live))
	for _, e := range live {
		out = append(out, [2]string{e.Key, e.Value})
	}
	return out
}

// EmitResponseHeaders renders resp back to ordered header pairs, including
// the Content-Type/Content-Length fields that bypass the generic list.
func EmitResponseHeaders(resp *ResponseHeaders) [][2]string {
	out := make([][2]string, 0, resp.List.Len()+2)
	if resp.ContentType != "" {
		v := resp.ContentType
		if resp.Charset != "" {
			v += "; charset=" + resp.Charset
		}
		out = append(out, [2]string{"Content-Type", v})
	}
	if resp.ContentLengthN >= 0 {
		out = append(out, [2]string{"Content-Length", strconv.FormatInt(resp.ContentLengthN, 10)})
	}
	for _, e := range resp.List.Live() {
		out = append(out, [2]string{e.Key, e.Value})
	}
	return out
}
