package headerfilter

import "time"

// RuleMetrics is the narrow observer seam for rule-application counts. A
// concrete implementation (internal/metricsreg) registers these as
// prometheus collectors; nil is a valid no-op.
type RuleMetrics interface {
	IncRuleApplied(kind string)
}

// Config is the resolved, validated configuration for one location: the
// expires directive plus the add_header/add_trailer/add_input_header
// rule sets, in configured order.
type Config struct {
	Expires            ExpiresConfig
	ResponseRules      []*HeaderRule
	TrailerRules       []*HeaderRule
	InputRules         []*HeaderRule
	ApplyInSubrequests bool
	Metrics            RuleMetrics
}

// Filter is a link in the output header filter chain plus the
// rewrite-phase input-header injector. The zero Filter forwards
// everything unchanged, matching the "no directives configured at this
// location" fast path.
type Filter struct {
	cfg Config
}

// NewFilter builds a Filter from a validated Config.
func NewFilter(cfg Config) *Filter { return &Filter{cfg: cfg} }

func (f *Filter) configured() bool {
	return f.cfg.Expires.Mode != ExpiresUnset ||
		len(f.cfg.ResponseRules) > 0 || len(f.cfg.TrailerRules) > 0
}

// ApplyResponseHeaders runs the HF response-header algorithm (spec §4.1
// steps 1-3, 5): classify status, run Expires if applicable, then apply
// each response rule in order. isSubrequest gates application per
// add_header_subrequest.
func (f *Filter) ApplyResponseHeaders(resp *ResponseHeaders, status int, isSubrequest bool, now time.Time, vars Vars) error {
	if isSubrequest && !f.cfg.ApplyInSubrequests {
		return nil
	}
	if !f.configured() {
		return nil
	}

	safe := IsSafeStatus(status)
	if f.cfg.Expires.Mode != ExpiresOff && f.cfg.Expires.Mode != ExpiresUnset && safe {
		f.cfg.Expires.Apply(resp, now, vars)
	}

	for _, rule := range f.cfg.ResponseRules {
		if !rule.applies(status) {
			continue
		}
		if err := applyResponseRule(resp, rule, status, vars); err != nil {
			return err
		}
		if f.cfg.Metrics != nil {
			f.cfg.Metrics.IncRuleApplied(handlerKindName(rule.Handler))
		}
	}

	if f.hasApplicableTrailer(status) {
		resp.ExpectTrailers = true
	}
	return nil
}

func (f *Filter) hasApplicableTrailer(status int) bool {
	for _, r := range f.cfg.TrailerRules {
		if r.applies(status) {
			return true
		}
	}
	return false
}

// ApplyTrailers runs the body-filter trailer emission step at the chunk
// containing last_buf: each applicable trailer rule with a nonempty
// evaluated value produces one appended live trailer entry.
func (f *Filter) ApplyTrailers(status int, vars Vars) []HeaderEntry {
	var list HeaderList
	for _, rule := range f.cfg.TrailerRules {
		if !rule.applies(status) {
			continue
		}
		value := rule.ValueTemplate.Evaluate(vars)
		if value == "" {
			continue
		}
		list.Append(rule.Key, value)
	}
	return list.Live()
}

// ApplyInputHeaders runs the rewrite-phase input-header injection: each
// configured add_input_header rule is dispatched against req.
func (f *Filter) ApplyInputHeaders(req *RequestHeaders, vars Vars) error {
	for _, rule := range f.cfg.InputRules {
		if err := applyInputRule(req, rule, vars); err != nil {
			return err
		}
	}
	return nil
}

func applyInputRule(req *RequestHeaders, rule *HeaderRule, vars Vars) error {
	value := rule.ValueTemplate.Evaluate(vars)

	switch rule.Handler {
	case SetHostReq:
		return setHostRequest(req, value)
	case SetConnReq:
		setConnRequest(req, value)
	case SetUAReq:
		setUARequest(req, value)
	case SetCLenReq:
		return setContentLengthRequest(req, value)
	case SetGenericReq:
		applyGenericDelete(&req.List, rule.Key, value)
	default:
		applyGenericDelete(&req.List, rule.Key, value)
	}
	return nil
}

func setHostRequest(req *RequestHeaders, value string) error {
	if value == "" {
		if !req.Host.Empty() {
			req.List.Tombstone(req.Host.index)
		}
		req.Host.clear()
		req.HostText = ""
		return nil
	}
	canon, err := ValidateHost(value)
	if err != nil {
		return err
	}
	upsertTyped(&req.List, &req.Host, "Host", canon)
	req.HostText = canon
	return nil
}

func setConnRequest(req *RequestHeaders, value string) {
	if value == "" {
		if !req.Connection.Empty() {
			req.List.Tombstone(req.Connection.index)
		}
		req.Connection.clear()
		req.KeepaliveExplicit = false
		return
	}
	upsertTyped(&req.List, &req.Connection, "Connection", value)
	req.KeepaliveExplicit = !equalFoldASCII(value, "close")
}

func setUARequest(req *RequestHeaders, value string) {
	if value == "" {
		if !req.UserAgent.Empty() {
			req.List.Tombstone(req.UserAgent.index)
		}
		req.UserAgent.clear()
		return
	}
	upsertTyped(&req.List, &req.UserAgent, "User-Agent", value)
}

func setContentLengthRequest(req *RequestHeaders, value string) error {
	if value == "" {
		if !req.ContentLength.Empty() {
			req.List.Tombstone(req.ContentLength.index)
		}
		req.ContentLength.clear()
		req.ContentLengthN = -1
		return nil
	}
	n, err := parseNonNegativeInt(value)
	if err != nil {
		return newErr(Allocation, "set_content_length_req", err)
	}
	upsertTyped(&req.List, &req.ContentLength, "Content-Length", value)
	req.ContentLengthN = n
	return nil
}

func parseNonNegativeInt(s string) (int64, error) {
	var n int64
	if s == "" {
		return 0, errBadContentLength
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, errBadContentLength
		}
		n = n*10 + int64(s[i]-'0')
	}
	return n, nil
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return lowerASCII(a) == lowerASCII(b)
}
