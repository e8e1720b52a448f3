package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
)

// ValidationError is a configuration problem with enough context to fix it.
type ValidationError struct {
	Field       string
	Value       interface{}
	Problem     string
	Suggestion  string
	ValidValues []string
}

func (e ValidationError) Error() string {
	var msg strings.Builder
	fmt.Fprintf(&msg, "%s: %v  # <-- %s", e.Field, e.Value, e.Problem)
	if e.Suggestion != "" {
		fmt.Fprintf(&msg, " (did you mean '%s'?)", e.Suggestion)
	}
	if len(e.ValidValues) > 0 {
		fmt.Fprintf(&msg, " valid options: %s", strings.Join(e.ValidValues, ", "))
	}
	return msg.String()
}

type ValidationResult struct {
	Errors   []error
	Warnings []string
}

func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

func (r *ValidationResult) AddError(err error) {
	r.Errors = append(r.Errors, err)
}

func (r *ValidationResult) AddWarning(warning string) {
	r.Warnings = append(r.Warnings, warning)
}

// Err folds every error into one, or returns nil.
func (r *ValidationResult) Err() error {
	var result *multierror.Error
	for _, err := range r.Errors {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

var validate = validator.New()

// Validate checks c against the pipelines the binary knows about. Problems
// that stop the indexer from starting are errors; suspicious but workable
// settings are warnings.
func (c *Config) Validate(known []string) *ValidationResult {
	result := &ValidationResult{}

	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				result.AddError(ValidationError{
					Field:   fe.Namespace(),
					Value:   fe.Value(),
					Problem: describeTag(fe),
				})
			}
		} else {
			result.AddError(err)
		}
	}

	c.validatePipelines(known, result)
	c.validateSource(result)
	c.validateStorage(result)
	c.validateAlerts(result)

	if c.Bootstrap.GenesisDigest.IsZero() {
		result.AddWarning("bootstrap_genesis.genesis_digest is not set; the genesis lineage check only compares protocol versions")
	}
	if c.Bootstrap.SystemStateFile == "" {
		result.AddWarning("bootstrap_genesis.system_state_file is not set; an empty store cannot be bootstrapped")
	}
	if c.Storage.Type == "memory" {
		result.AddWarning("storage.type is memory; indexed data is lost on restart")
	}
	return result
}

func (c *Config) validatePipelines(known []string, result *ValidationResult) {
	names := make([]string, 0, len(c.Pipelines))
	for name := range c.Pipelines {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if contains(known, name) {
			continue
		}
		result.AddError(ValidationError{
			Field:       "pipelines." + name,
			Value:       c.Pipelines[name],
			Problem:     "unknown pipeline",
			Suggestion:  findSimilar(name, known),
			ValidValues: known,
		})
	}
	if len(c.Pipelines) > 0 && len(c.EnabledPipelines(known)) == 0 {
		result.AddError(ValidationError{
			Field:   "pipelines",
			Value:   "all disabled",
			Problem: "at least one pipeline must be enabled",
		})
	}
	for _, name := range known {
		if _, ok := c.Pipelines[name]; !ok {
			result.AddWarning(fmt.Sprintf("pipeline %s is not listed and will not run", name))
		}
	}
}

func (c *Config) validateSource(result *ValidationResult) {
	s := c.Source
	missing := func(field string) {
		result.AddError(ValidationError{
			Field:   "source." + field,
			Value:   "",
			Problem: fmt.Sprintf("required for source type %s", s.Type),
		})
	}
	switch s.Type {
	case "fs":
		if s.Path == "" {
			missing("path")
		}
	case "http":
		if s.URL == "" {
			missing("url")
		}
	case "s3", "gcs":
		if s.Bucket == "" {
			missing("bucket")
		}
	}
	if s.Retry.MaxRetries == 0 {
		result.AddWarning("source.retry.max_retries is 0; a missing checkpoint is retried until shutdown")
	}
}

func (c *Config) validateStorage(result *ValidationResult) {
	switch c.Storage.Type {
	case "postgres", "sqlite":
		if c.Storage.DSN == "" {
			result.AddError(ValidationError{
				Field:   "storage.dsn",
				Value:   "",
				Problem: fmt.Sprintf("required for storage type %s", c.Storage.Type),
			})
		}
	case "badger":
		if c.Storage.Path == "" {
			result.AddWarning("storage.path is empty; badger will run in memory")
		}
	}
}

func (c *Config) validateAlerts(result *ValidationResult) {
	a := c.Alerts
	if a.SlackToken != "" && len(a.SlackChannels) == 0 {
		result.AddError(ValidationError{
			Field:   "alerts.slack_channels",
			Value:   "[]",
			Problem: "required when alerts.slack_token is set",
		})
	}
	if a.SendgridAPIKey != "" && (a.EmailFrom == "" || len(a.EmailTo) == 0) {
		result.AddError(ValidationError{
			Field:   "alerts.email_to",
			Value:   a.EmailTo,
			Problem: "email_from and email_to are required when alerts.sendgrid_api_key is set",
		})
	}
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "gtefield":
		return "must not be smaller than " + fe.Param()
	case "url", "email", "hostname_port":
		return "not a valid " + fe.Tag()
	case "min":
		return "must have at least " + fe.Param() + " entries"
	}
	if fe.Param() != "" {
		return fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
	}
	return "failed " + fe.Tag()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// findSimilar offers a known name sharing a substring or a two-letter prefix
// with input.
func findSimilar(input string, known []string) string {
	input = strings.ToLower(input)
	for _, k := range known {
		kl := strings.ToLower(k)
		if strings.Contains(kl, input) || strings.Contains(input, kl) {
			return k
		}
	}
	for _, k := range known {
		if len(input) > 2 && strings.HasPrefix(strings.ToLower(k), input[:2]) {
			return k
		}
	}
	return ""
}
