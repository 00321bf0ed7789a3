package app

import (
	"log/slog"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

const ellipsis = "…"

func paint(s, code string, color bool) string {
	if !color || s == "" {
		return s
	}
	return code + s + ansiReset
}

func colorizeHTTPMethod(method string, color bool) string {
	switch method {
	case "GET", "HEAD":
		return paint(method, ansiBlue, color)
	case "POST":
		return paint(method, ansiGreen, color)
	case "PUT", "PATCH":
		return paint(method, ansiYellow, color)
	case "DELETE":
		return paint(method, ansiRed, color)
	default:
		return paint(method, ansiMagenta, color)
	}
}

func colorizeStatusCode(code int, color bool) string {
	return paint(strconv.Itoa(code), statusColor(code), color)
}

func colorizeStatusClass(class string, color bool) string {
	if class == "" {
		return `""`
	}
	code := 0
	if n, err := strconv.Atoi(class[:1]); err == nil {
		code = n * 100
	}
	return paint(class, statusColor(code), color)
}

func statusColor(code int) string {
	switch {
	case code >= 500:
		return ansiRed
	case code >= 400:
		return ansiYellow
	case code >= 300:
		return ansiCyan
	case code >= 200:
		return ansiGreen
	default:
		return ansiDim
	}
}

func colorizeDurationMS(ms int64, color bool) string {
	s := strconv.FormatInt(ms, 10) + "ms"
	switch {
	case ms >= 1000:
		return paint(s, ansiRed, color)
	case ms >= 250:
		return paint(s, ansiYellow, color)
	default:
		return paint(s, ansiDim, color)
	}
}

func colorizeResult(result string, color bool) string {
	switch result {
	case "success":
		return paint(result, ansiGreen, color)
	case "redirect":
		return paint(result, ansiCyan, color)
	case "client_error":
		return paint(result, ansiYellow, color)
	case "server_error":
		return paint(result, ansiRed, color)
	default:
		return quoteIfNeeded(result)
	}
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		u := v.Uint64()
		if u > math.MaxInt64 {
			return 0, false
		}
		return int64(u), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindDuration:
		return v.Duration().Milliseconds(), true
	case slog.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// stripANSI removes CSI escape sequences (ESC '[' ... final byte).
func stripANSI(s string) string {
	if !strings.Contains(s, "\x1b[") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == 0x1b && i+1 < len(s) && s[i+1] == '[' {
			j := i + 2
			for j < len(s) && (s[j] < 0x40 || s[j] > 0x7e) {
				j++
			}
			i = j
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// visualLen is the printed width of s in runes, ignoring escape sequences.
func visualLen(s string) int {
	return utf8.RuneCountInString(stripANSI(s))
}

// truncateVisual shortens s to at most width visible runes, ending in an ellipsis.
// Color is dropped from truncated segments.
func truncateVisual(s string, width int) string {
	if visualLen(s) <= width {
		return s
	}
	if width <= 1 {
		return ellipsis
	}
	r := []rune(stripANSI(s))
	return string(r[:width-1]) + ellipsis
}

// wrapSegments joins segs with sep into lines no wider than width. Lines after the
// first start with cont. A segment that cannot fit on its own line is truncated.
// width <= 0 disables wrapping.
func wrapSegments(segs []string, sep string, width int, cont string) []string {
	if width <= 0 {
		return []string{strings.Join(segs, sep)}
	}

	var (
		lines  []string
		cur    strings.Builder
		curLen int
		prefix string
	)
	sepLen := visualLen(sep)

	for _, seg := range segs {
		if curLen > 0 {
			if curLen+sepLen+visualLen(seg) <= width {
				cur.WriteString(sep)
				cur.WriteString(seg)
				curLen += sepLen + visualLen(seg)
				continue
			}
			lines = append(lines, cur.String())
			cur.Reset()
			curLen = 0
			prefix = cont
		}

		seg = truncateVisual(seg, width-visualLen(prefix))
		cur.WriteString(prefix)
		cur.WriteString(seg)
		curLen = visualLen(prefix) + visualLen(seg)
	}
	if curLen > 0 {
		lines = append(lines, cur.String())
	}
	return lines
}
