package validation

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

// MaxReasonLength bounds free-text dead-letter reasons.
const MaxReasonLength = 500

const maxTagLength = 100

var operations = []string{"create", "update", "delete"}

var backgroundMethods = []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}

// ValidateJSONObject returns an error if raw is present but not a JSON object.
func ValidateJSONObject(field string, raw json.RawMessage) *ValidationError {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return invalid(field, "must be a JSON object")
	}
	return nil
}

// ValidateRecordID returns an error unless raw is a string or number.
func ValidateRecordID(field string, raw json.RawMessage) *ValidationError {
	res := gjson.ParseBytes(raw)
	if len(raw) == 0 || !gjson.ValidBytes(raw) || (res.Type != gjson.Number && res.Type != gjson.String) {
		return invalid(field, "must be a string or number")
	}
	return nil
}

// ValidateMutation checks a mutation submitted for queueing. Updates and
// deletes must name the record they change.
func ValidateMutation(model, operation string, recordID, data json.RawMessage, models []string) []ValidationError {
	c := &Collector{}

	c.Check(
		ValidateOneOf("model", model, models),
		ValidateOneOf("operation", operation, operations),
		ValidateJSONObject("data", data),
	)

	if (operation == "update" || operation == "delete") && model != "user_profile" {
		c.Check(ValidateRecordID("record_id", recordID))
	}
	return c.Errors()
}

// ValidateBackgroundTask checks a deferred request. The URL must be a path
// or an absolute http(s) URL.
func ValidateBackgroundTask(tag, rawURL, method string) []ValidationError {
	c := &Collector{}

	c.Check(ValidateRequired("tag", tag), ValidateText("tag", tag, maxTagLength))

	if err := ValidateRequired("url", rawURL); err != nil {
		c.Check(err)
	} else if u, err := url.Parse(rawURL); err != nil ||
		(u.IsAbs() && u.Scheme != "http" && u.Scheme != "https") ||
		(!u.IsAbs() && !strings.HasPrefix(u.Path, "/")) {
		c.Check(invalid("url", "must be a path or an absolute http(s) URL"))
	}

	if method != "" {
		c.Check(ValidateOneOf("method", strings.ToUpper(method), backgroundMethods))
	}
	return c.Errors()
}

// ValidateReason checks an optional free-text reason.
func ValidateReason(reason string) []ValidationError {
	c := &Collector{}
	c.Check(ValidateText("reason", reason, MaxReasonLength))
	return c.Errors()
}

// ValidateOnlineFlag returns an error when the connectivity report omits
// its flag.
func ValidateOnlineFlag(online *bool) *ValidationError {
	if online == nil {
		return invalid("online", "is required")
	}
	return nil
}
