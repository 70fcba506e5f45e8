package headerfilter

import (
	"strconv"
	"strings"
	"time"
)

const httpDateLayout = "Mon, 02 Jan 2006 15:04:05 GMT"

func parseHTTPDate(s string) (time.Time, error) {
	return time.Parse(httpDateLayout, s)
}

func formatHTTPDate(t time.Time) string {
	return t.UTC().Format(httpDateLayout)
}

// ParseExpiresSpec parses the grammar:
//
//	expires [modified] <spec>
//	<spec> ::= "epoch" | "max" | "off" | ["@"|"+"|"-"] <duration>
//
// A "@" spec is a daily absolute time-of-day and must not exceed 24h. "modified"
// disallows "@". Returns a config-time error for any grammar violation.
func ParseExpiresSpec(modified bool, spec string) (ExpiresConfig, error) {
	spec = strings.TrimSpace(spec)
	switch spec {
	case "epoch":
		return ExpiresConfig{Mode: ExpiresEpoch}, nil
	case "max":
		return ExpiresConfig{Mode: ExpiresMax}, nil
	case "off":
		return ExpiresConfig{Mode: ExpiresOff}, nil
	}

	if spec == "" {
		return ExpiresConfig{}, newErr(ConfigInvalid, "expires", errBadExpiresSpec)
	}

	switch spec[0] {
	case '@':
		if modified {
			return ExpiresConfig{}, newErr(ConfigInvalid, "expires", errDailyWithModified)
		}
		d, err := parseDuration(spec[1:])
		if err != nil {
			return ExpiresConfig{}, newErr(ConfigInvalid, "expires", err)
		}
		if d > 24*time.Hour {
			return ExpiresConfig{}, newErr(ConfigInvalid, "expires", errDailyTooLong)
		}
		return ExpiresConfig{Mode: ExpiresDaily, Seconds: d}, nil
	case '-':
		d, err := parseDuration(spec[1:])
		if err != nil {
			return ExpiresConfig{}, newErr(ConfigInvalid, "expires", err)
		}
		mode := ExpiresAccess
		if modified {
			mode = ExpiresModified
		}
		return ExpiresConfig{Mode: mode, Seconds: d, Negative: true}, nil
	case '+':
		d, err := parseDuration(spec[1:])
		if err != nil {
			return ExpiresConfig{}, newErr(ConfigInvalid, "expires", err)
		}
		mode := ExpiresAccess
		if modified {
			mode = ExpiresModified
		}
		return ExpiresConfig{Mode: mode, Seconds: d}, nil
	default:
		d, err := parseDuration(spec)
		if err != nil {
			return ExpiresConfig{}, newErr(ConfigInvalid, "expires", err)
		}
		mode := ExpiresAccess
		if modified {
			mode = ExpiresModified
		}
		return ExpiresConfig{Mode: mode, Seconds: d}, nil
	}
}

// parseDuration accepts plain seconds ("3600") or Go duration suffixes
// ("1h"); nginx accepts a richer unit grammar, this module's surface only
// needs seconds and time.ParseDuration-compatible suffixes.
func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

var (
	errBadExpiresSpec   = hostErr("invalid expires spec")
	errDailyWithModified = hostErr("\"@\" time value cannot be used with \"modified\"")
	errDailyTooLong     = hostErr("daily time value must not exceed 24 hours")
)

// expiresResult is the pair of header values the engine computes.
type expiresResult struct {
	expires      time.Time
	cacheControl string
}

// Apply runs the Expires Engine for one response and installs Expires /
// Cache-Control as singletons in resp.
func (c ExpiresConfig) Apply(resp *ResponseHeaders, now time.Time, vars Vars) {
	cfg := c
	if cfg.DynamicTemplate != nil && !cfg.DynamicTemplate.Empty() {
		text := cfg.DynamicTemplate.Evaluate(vars)
		parsed, err := ParseExpiresSpec(false, text)
		if err != nil {
			return // runtime parse failure: silently skip, per design
		}
		if parsed.Mode == ExpiresOff {
			return
		}
		cfg = parsed
	}
	if cfg.Mode == ExpiresOff || cfg.Mode == ExpiresUnset {
		return
	}

	res := computeExpires(cfg, now, resp.LastModifiedTime)
	installSingleton(resp, &resp.Expires, "Expires", formatHTTPDate(res.expires))
	setCacheControlSingleton(resp, res.cacheControl)
}

func computeExpires(cfg ExpiresConfig, now time.Time, lastModifiedUnix int64) expiresResult {
	switch cfg.Mode {
	case ExpiresEpoch:
		return expiresResult{expires: time.Unix(1, 0).UTC()}
	case ExpiresMax:
		return expiresResult{
			expires:      time.Date(2037, time.December, 31, 23, 55, 55, 0, time.UTC),
			cacheControl: "max-age=315360000",
		}
	case ExpiresDaily:
		next := nextDailyOccurrence(now, cfg.Seconds)
		maxAge := next.Sub(now)
		return finalizeAge(next, maxAge, false)
	}

	if cfg.Seconds == 0 && cfg.Mode != ExpiresDaily {
		return expiresResult{expires: now, cacheControl: "max-age=0"}
	}

	if cfg.Mode == ExpiresAccess || (cfg.Mode == ExpiresModified && lastModifiedUnix < 0) {
		expires := now.Add(cfg.Seconds)
		return finalizeAge(expires, cfg.Seconds, cfg.Negative)
	}

	// ExpiresModified with a known Last-Modified.
	lm := time.Unix(lastModifiedUnix, 0).UTC()
	expires := lm.Add(cfg.Seconds)
	maxAge := expires.Sub(now)
	return finalizeAge(expires, maxAge, cfg.Negative)
}

func finalizeAge(expires time.Time, maxAge time.Duration, negative bool) expiresResult {
	if negative || maxAge < 0 {
		return expiresResult{expires: expires}
	}
	return expiresResult{expires: expires, cacheControl: "max-age=" + strconv.FormatInt(int64(maxAge/time.Second), 10)}
}

// nextDailyOccurrence returns the next time-of-day >= now matching the
// seconds-since-midnight offset in timeOfDay.
func nextDailyOccurrence(now time.Time, timeOfDay time.Duration) time.Time {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	candidate := midnight.Add(timeOfDay)
	if candidate.Before(now) {
		candidate = candidate.Add(24 * time.Hour)
	}
	return candidate
}

func installSingleton(resp *ResponseHeaders, slot *TypedSlot, key, value string) {
	upsertTyped(&resp.List, slot, key, value)
}

// setCacheControlSingleton enforces the Cache-Control singleton invariant:
// when other entries already exist, tombstone all but the first and
// rewrite its value in place.
func setCacheControlSingleton(resp *ResponseHeaders, value string) {
	if value == "" {
		value = "no-cache"
	}
	existing := resp.CacheControl.Entries(&resp.List)
	if len(existing) == 0 {
		idx := resp.List.Append("Cache-Control", value)
		resp.CacheControl.append(idx)
		return
	}
	first := true
	kept := resp.CacheControl.indices[:0]
	for _, idx := range resp.CacheControl.indices {
		e := resp.List.At(idx)
		if !e.Live() {
			continue
		}
		if first {
			e.Value = value
			kept = append(kept, idx)
			first = false
			continue
		}
		resp.List.Tombstone(idx)
	}
	resp.CacheControl.indices = kept
}
