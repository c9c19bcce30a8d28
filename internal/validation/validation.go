// Package validation checks HTTP request bodies and uploaded data files
// before they reach the pipeline.
package validation

import (
	"errors"
	"fmt"
	"mime/multipart"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	MaxFileSize = 64 << 20 // 64mb
	MaxFiles    = 20
)

// AllowedExtensions are the delimited text formats the extractor reads.
var AllowedExtensions = map[string]bool{
	".csv": true,
	".tsv": true,
	".txt": true,
	".dat": true,
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var messages []string
	for _, err := range e {
		messages = append(messages, err.Error())
	}
	return strings.Join(messages, "; ")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report json names, not Go field names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Struct runs the validate tags of a decoded request body.
func Struct(req any) ValidationErrors {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return ValidationErrors{{Field: "request", Message: err.Error()}}
	}
	out := make(ValidationErrors, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{Field: fe.Field(), Message: describe(fe)})
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must have at least %s entries", fe.Param())
	case "gt", "gte":
		return fmt.Sprintf("must be %s %s", fe.Tag(), fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	default:
		return fmt.Sprintf("failed %q", fe.Tag())
	}
}

func ValidateUpload(files []*multipart.FileHeader) ValidationErrors {
	var errors ValidationErrors

	if len(files) == 0 {
		errors = append(errors, ValidationError{
			Field:   "files",
			Message: "at least one file must be provided",
		})
		return errors
	}

	if len(files) > MaxFiles {
		errors = append(errors, ValidationError{
			Field:   "files",
			Message: fmt.Sprintf("maximum %d files allowed, got %d", MaxFiles, len(files)),
		})
	}

	for i, file := range files {
		if file.Size > MaxFileSize {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("files[%d]", i),
				Message: fmt.Sprintf("file %s exceeds maximum size of %d bytes", file.Filename, MaxFileSize),
			})
			continue
		}

		if file.Size == 0 {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("files[%d]", i),
				Message: fmt.Sprintf("file %s is empty", file.Filename),
			})
			continue
		}

		// content is sniffed again during extraction
		ext := strings.ToLower(filepath.Ext(file.Filename))
		if !AllowedExtensions[ext] {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("files[%d]", i),
				Message: fmt.Sprintf("file %s has unsupported extension %q", file.Filename, ext),
			})
		}
	}

	return errors
}
