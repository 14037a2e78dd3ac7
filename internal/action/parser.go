package action

import (
	stdjson "encoding/json"
	"math"
	"net/url"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/net/idna"

	"github.com/xkilldash9x/scalpel-nav/api/schemas"
	"github.com/xkilldash9x/scalpel-nav/internal/llmutil"
)

// json decodes numbers as json.Number so integer parameters can be told
// apart from fractional ones.
var json = jsoniter.Config{
	EscapeHTML: false,
	UseNumber:  true,
}.Froze()

// maxDetailRaw bounds how much of the raw output is echoed into a detail message.
const maxDetailRaw = 120

// Parse converts raw model output into a validated Action. The bounds are the
// dimensions of the frame the model was looking at; click coordinates must
// fall inside them.
//
// Parse is pure. A non-nil error is always a *ParseError.
func Parse(raw string, bounds schemas.Viewport) (schemas.Action, error) {
	body, ok := llmutil.ExtractJSONObject(raw)
	if !ok {
		return schemas.Action{}, newParseError(raw, ReasonMalformedJSON,
			"no JSON object found in %q", llmutil.Truncate(strings.TrimSpace(raw), maxDetailRaw))
	}

	var fields map[string]interface{}
	if err := json.UnmarshalFromString(body, &fields); err != nil {
		return schemas.Action{}, newParseError(raw, ReasonMalformedJSON, "invalid JSON: %v", err)
	}
	if fields == nil {
		return schemas.Action{}, newParseError(raw, ReasonMalformedJSON, "expected a JSON object, got null")
	}

	p := fieldReader{raw: raw, fields: fields}

	actionType, perr := p.actionType()
	if perr != nil {
		return schemas.Action{}, perr
	}

	act := schemas.Action{Type: actionType}
	if act.Reason, perr = p.optionalString("reason"); perr != nil {
		return schemas.Action{}, perr
	}

	switch actionType {
	case schemas.ActionNavigate:
		perr = p.parseNavigate(&act)
	case schemas.ActionClick:
		perr = p.parseClick(&act, bounds)
	case schemas.ActionTypeText:
		act.Text, perr = p.requiredText("text")
	case schemas.ActionScroll:
		perr = p.parseScroll(&act)
	case schemas.ActionWait:
		act.DurationMS, perr = p.optionalPositiveInt("duration_ms")
	case schemas.ActionDone, schemas.ActionFail:
		perr = p.parseMessage(&act)
	}
	if perr != nil {
		return schemas.Action{}, perr
	}
	return act, nil
}

// fieldReader pulls typed parameters out of a decoded object.
type fieldReader struct {
	raw    string
	fields map[string]interface{}
}

func (p fieldReader) actionType() (schemas.ActionType, *ParseError) {
	// "action" is the documented discriminator; "type" is accepted because
	// models regularly drift to it.
	value, ok := p.fields["action"]
	if !ok {
		value, ok = p.fields["type"]
	}
	if !ok {
		return "", newParseError(p.raw, ReasonUnknownAction, "response names no action")
	}
	name, isString := value.(string)
	if !isString {
		return "", newParseError(p.raw, ReasonUnknownAction, "action must be a string, got %T", value)
	}
	t := schemas.ActionType(strings.ToLower(strings.TrimSpace(name)))
	if !t.Valid() {
		return "", newParseError(p.raw, ReasonUnknownAction, "unknown action %q", name)
	}
	return t, nil
}

func (p fieldReader) parseNavigate(act *schemas.Action) *ParseError {
	target, perr := p.requiredText("url")
	if perr != nil {
		return perr
	}
	act.URL, perr = checkURL(p.raw, target)
	return perr
}

// NavigateTo builds a navigate action for a caller-supplied URL, applying
// the same rules as a model-chosen one.
func NavigateTo(target string) (schemas.Action, error) {
	if strings.TrimSpace(target) == "" {
		return schemas.Action{}, newParseError(target, ReasonMissingParameter, "url is empty")
	}
	checked, perr := checkURL(target, target)
	if perr != nil {
		return schemas.Action{}, perr
	}
	return schemas.Action{Type: schemas.ActionNavigate, URL: checked}, nil
}

func checkURL(raw, target string) (string, *ParseError) {
	target = strings.TrimSpace(target)
	u, err := url.Parse(target)
	if err != nil {
		return "", newParseError(raw, ReasonMissingParameter, "url %q: %v", target, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", newParseError(raw, ReasonMissingParameter, "url %q must use http or https", target)
	}
	host := u.Hostname()
	if host == "" {
		return "", newParseError(raw, ReasonMissingParameter, "url %q has no host", target)
	}
	if _, err := idna.Lookup.ToASCII(host); err != nil {
		return "", newParseError(raw, ReasonMissingParameter, "url %q has an invalid host: %v", target, err)
	}
	return target, nil
}

func (p fieldReader) parseClick(act *schemas.Action, bounds schemas.Viewport) *ParseError {
	x, perr := p.requiredInt("x")
	if perr != nil {
		return perr
	}
	y, perr := p.requiredInt("y")
	if perr != nil {
		return perr
	}
	if !bounds.Contains(x, y) {
		return newParseError(p.raw, ReasonOutOfBounds,
			"click (%d, %d) outside the %dx%d frame", x, y, bounds.Width, bounds.Height)
	}
	act.X, act.Y = x, y
	return nil
}

func (p fieldReader) parseScroll(act *schemas.Action) *ParseError {
	dir, perr := p.requiredText("direction")
	if perr != nil {
		return perr
	}
	switch d := schemas.ScrollDirection(strings.ToLower(strings.TrimSpace(dir))); d {
	case schemas.ScrollUp, schemas.ScrollDown:
		act.Direction = d
	default:
		return newParseError(p.raw, ReasonMissingParameter, "scroll direction %q must be up or down", dir)
	}
	act.Amount, perr = p.optionalPositiveInt("amount")
	return perr
}

func (p fieldReader) parseMessage(act *schemas.Action) *ParseError {
	msg, perr := p.optionalString("message")
	if perr != nil {
		return perr
	}
	if strings.TrimSpace(msg) == "" {
		// Models often explain themselves in "reason" alone.
		msg = act.Reason
	}
	if strings.TrimSpace(msg) == "" {
		return newParseError(p.raw, ReasonMissingParameter, "%s requires a non-empty message", act.Type)
	}
	act.Message = msg
	return nil
}

func (p fieldReader) optionalString(key string) (string, *ParseError) {
	value, ok := p.fields[key]
	if !ok || value == nil {
		return "", nil
	}
	s, isString := value.(string)
	if !isString {
		return "", newParseError(p.raw, ReasonMissingParameter, "%s must be a string, got %T", key, value)
	}
	return s, nil
}

func (p fieldReader) requiredText(key string) (string, *ParseError) {
	value, ok := p.fields[key]
	if !ok || value == nil {
		return "", newParseError(p.raw, ReasonMissingParameter, "missing %q", key)
	}
	s, isString := value.(string)
	if !isString {
		return "", newParseError(p.raw, ReasonMissingParameter, "%s must be a string, got %T", key, value)
	}
	if strings.TrimSpace(s) == "" {
		return "", newParseError(p.raw, ReasonMissingParameter, "%q is empty", key)
	}
	return s, nil
}

func (p fieldReader) requiredInt(key string) (int, *ParseError) {
	value, ok := p.fields[key]
	if !ok || value == nil {
		return 0, newParseError(p.raw, ReasonMissingParameter, "missing %q", key)
	}
	n, ok := asInt(value)
	if !ok {
		return 0, newParseError(p.raw, ReasonMissingParameter, "%s must be an integer, got %v", key, value)
	}
	return n, nil
}

func (p fieldReader) optionalPositiveInt(key string) (int, *ParseError) {
	value, ok := p.fields[key]
	if !ok || value == nil {
		return 0, nil
	}
	n, ok := asInt(value)
	if !ok || n <= 0 {
		return 0, newParseError(p.raw, ReasonMissingParameter, "%s must be a positive integer, got %v", key, value)
	}
	return n, nil
}

// asInt accepts integral JSON numbers, including ones written as 640.0.
func asInt(value interface{}) (int, bool) {
	var f float64
	switch v := value.(type) {
	case stdjson.Number:
		if i, err := v.Int64(); err == nil {
			if i > math.MaxInt32 || i < math.MinInt32 {
				return 0, false
			}
			return int(i), true
		}
		parsed, err := v.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case float64:
		f = v
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || f > math.MaxInt32 || f < math.MinInt32 {
		return 0, false
	}
	return int(f), true
}
