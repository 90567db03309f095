package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/usestring/powhttp-proxy/pkg/types"
)

const schemaURL = "policy.schema.json"

// printer is a default English printer for localized error messages.
var printer = message.NewPrinter(language.English)

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

// Schema returns the JSON Schema of a policy file, reflected from File.
func Schema() *invopop.Schema {
	r := &invopop.Reflector{Anonymous: true, DoNotReference: true}
	return r.Reflect(&File{})
}

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		raw, err := json.Marshal(Schema())
		if err != nil {
			schemaErr = fmt.Errorf("marshaling policy schema: %w", err)
			return
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			schemaErr = fmt.Errorf("unmarshaling policy schema: %w", err)
			return
		}

		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("adding policy schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(schemaURL)
	})
	return compiledSchema, schemaErr
}

// Validate checks a decoded policy document against the schema.
func Validate(doc any) *types.ValidationResult {
	sch, err := compiled()
	if err != nil {
		return &types.ValidationResult{Errors: []string{err.Error()}}
	}
	if err := sch.Validate(doc); err != nil {
		return &types.ValidationResult{Errors: validationErrors(err)}
	}
	return &types.ValidationResult{Valid: true}
}

// validationErrors flattens a validation error into "path: message" lines.
func validationErrors(err error) []string {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []string{err.Error()}
	}

	seen := make(map[string]bool)
	var out []string
	collectErrors(verr, func(path, msg string) {
		line := msg
		if path != "" {
			line = path + ": " + msg
		}
		if !seen[line] {
			seen[line] = true
			out = append(out, line)
		}
	})
	slices.Sort(out)
	return out
}

// collectErrors reports leaf errors, those without causes.
func collectErrors(err *jsonschema.ValidationError, emit func(path, msg string)) {
	if err.ErrorKind != nil && len(err.Causes) == 0 {
		msg := err.ErrorKind.LocalizedString(printer)
		if !strings.HasPrefix(msg, "$ref ") && !strings.HasPrefix(msg, "doesn't validate with") {
			path := ""
			if len(err.InstanceLocation) > 0 {
				path = "/" + strings.Join(err.InstanceLocation, "/")
			}
			emit(path, msg)
		}
	}
	for _, cause := range err.Causes {
		collectErrors(cause, emit)
	}
}
