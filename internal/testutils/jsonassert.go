package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// PresencePlaceholder in expected JSON matches any actual value of the key.
const PresencePlaceholder = "<<PRESENCE>>"

// JSONAssertOptions tune how two wire frames are compared. Only top-level
// object keys are affected; nested values must match exactly.
type JSONAssertOptions struct {
	IgnoreExtraKeys          bool     `default:"false"`
	AllowPresencePlaceholder bool     `default:"true"`
	IgnoredFields            []string `default:""`
}

type Option func(*JSONAssertOptions)

// JSONAsserter checks hub frames and CLI output as JSON objects, reporting
// an ASCII diff on mismatch.
type JSONAsserter struct {
	t       TestingT
	options JSONAssertOptions
}

func NewJSONAsserter(t TestingT) *JSONAsserter {
	ja := &JSONAsserter{t: t}
	defaults.SetDefaults(&ja.options)
	return ja
}

func (ja *JSONAsserter) WithOptions(opts ...Option) *JSONAsserter {
	for _, opt := range opts {
		opt(&ja.options)
	}
	return ja
}

// Assert fails the test once when actual and expected differ.
func (ja *JSONAsserter) Assert(actual, expected string) {
	if report := ja.compare(actual, expected); report != "" {
		ja.t.Errorf("JSON mismatch:\n%s", report)
	}
}

type jsonObject = map[string]interface{}

func decodeObject(side, doc string) (jsonObject, error) {
	var obj jsonObject
	if err := json.Unmarshal([]byte(doc), &obj); err != nil {
		return nil, fmt.Errorf("%s is not a JSON object: %w", side, err)
	}
	return obj, nil
}

// normalize rewrites both sides in place according to the options.
func (ja *JSONAsserter) normalize(actual, expected jsonObject) {
	for _, key := range ja.options.IgnoredFields {
		delete(actual, key)
		delete(expected, key)
	}

	for key, want := range expected {
		if ja.options.AllowPresencePlaceholder && want == PresencePlaceholder {
			if got, ok := actual[key]; ok {
				expected[key] = got
			}
		}
	}

	if !ja.options.IgnoreExtraKeys {
		return
	}
	for key := range actual {
		if _, ok := expected[key]; !ok {
			delete(actual, key)
		}
	}
}

func (ja *JSONAsserter) compare(actualDoc, expectedDoc string) string {
	expected, err := decodeObject("expected", expectedDoc)
	if err != nil {
		return err.Error()
	}
	actual, err := decodeObject("actual", actualDoc)
	if err != nil {
		return err.Error()
	}
	ja.normalize(actual, expected)

	delta := gojsondiff.New().CompareObjects(expected, actual)
	if !delta.Modified() {
		return ""
	}

	report, err := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{
		ShowArrayIndex: true,
	}).Format(delta)
	if err != nil {
		return fmt.Sprintf("objects differ (diff unavailable: %v)", err)
	}
	return report
}

// WithIgnoreExtraKeys drops keys that only the actual document has.
func WithIgnoreExtraKeys(ignore bool) Option {
	return func(o *JSONAssertOptions) { o.IgnoreExtraKeys = ignore }
}

// WithIgnoredFields removes top-level keys from both sides before comparing.
func WithIgnoredFields(fields ...string) Option {
	return func(o *JSONAssertOptions) { o.IgnoredFields = fields }
}
