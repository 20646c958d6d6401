// Package funcexec executes plain functions with deterministic retry,
// schema validation, and output formatting.
//
// The executor wraps a function with a fixed-attempt retry loop. In
// DETERMINISTIC mode the function's input and output are validated
// against JSON schemas; an output that fails validation counts as a
// failed attempt and is retried like any other failure. CREATIVE mode
// runs a single attempt and skips output validation for functions
// whose results are free-form.
package funcexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/archflow/archflow/internal/log"
	"github.com/archflow/archflow/pkg/errors"
)

// Mode selects how strictly results are checked.
type Mode string

const (
	// ModeDeterministic validates the output against the output schema
	// and retries on violation.
	ModeDeterministic Mode = "DETERMINISTIC"

	// ModeCreative accepts any output on a single attempt; only the
	// input is validated.
	ModeCreative Mode = "CREATIVE"
)

// OutputFormat selects how the result value is rendered.
type OutputFormat string

const (
	// FormatJSON renders the value as compact JSON.
	FormatJSON OutputFormat = "JSON"

	// FormatText renders the value with fmt formatting.
	FormatText OutputFormat = "TEXT"

	// FormatRaw passes string values through untouched and falls back
	// to JSON for everything else.
	FormatRaw OutputFormat = "RAW"
)

// Function is the unit of work the executor runs.
type Function func(ctx context.Context, input map[string]any) (any, error)

// Config describes one executable function.
type Config struct {
	// Name identifies the function in logs and errors
	Name string

	// Mode selects output strictness; default DETERMINISTIC
	Mode Mode

	// InputSchema is the JSON schema for the input; empty skips input
	// validation
	InputSchema []byte

	// OutputSchema is the JSON schema for the output; required in
	// DETERMINISTIC mode when outputs should be checked
	OutputSchema []byte

	// MaxAttempts is the total number of attempts including the first;
	// default 2
	MaxAttempts int

	// InitialBackoff is the delay before the first retry; default 1s
	InitialBackoff time.Duration

	// Multiplier scales the backoff after each failure; default 2.0
	Multiplier float64

	// Format selects output rendering; default JSON
	Format OutputFormat
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Mode == "" {
		cfg.Mode = ModeDeterministic
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}
	return cfg
}

// Attempt records one try of the function.
type Attempt struct {
	// Number is 1-based
	Number int `json:"number"`

	// StartedAt is the attempt start time
	StartedAt time.Time `json:"startedAt"`

	// DurationMs is the attempt wall time
	DurationMs int64 `json:"durationMs"`

	// Error is the failure message; empty on success
	Error string `json:"error,omitempty"`
}

// Result is the outcome of an execution.
type Result struct {
	// ExecutionID uniquely identifies this execution
	ExecutionID string `json:"executionId"`

	// Success reports whether any attempt produced a valid output
	Success bool `json:"success"`

	// Value is the raw function output of the successful attempt
	Value any `json:"value,omitempty"`

	// FormattedOutput is the rendered output per the configured format
	FormattedOutput string `json:"formattedOutput,omitempty"`

	// DurationMs is the total wall time across attempts and backoff
	DurationMs int64 `json:"durationMs"`

	// Attempts records every try in order
	Attempts []Attempt `json:"attempts"`

	// Error is the classified error of the last attempt; nil on success
	Error *errors.ExecutionError `json:"error,omitempty"`
}

// Executor runs one configured function. It is immutable and safe for
// concurrent use.
type Executor struct {
	cfg          Config
	fn           Function
	inputSchema  *jsonschema.Schema
	outputSchema *jsonschema.Schema
	logger       *slog.Logger
}

// New creates an executor, compiling the configured schemas.
func New(cfg Config, fn Function, logger *slog.Logger) (*Executor, error) {
	if fn == nil {
		return nil, &errors.ConfigError{Key: "function", Reason: "function cannot be nil"}
	}
	if cfg.Name == "" {
		return nil, &errors.ConfigError{Key: "name", Reason: "function name cannot be empty"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Executor{
		cfg:    cfg.withDefaults(),
		fn:     fn,
		logger: log.WithComponent(logger, "funcexec"),
	}

	var err error
	if e.inputSchema, err = compileSchema(cfg.InputSchema); err != nil {
		return nil, &errors.ConfigError{Key: "inputSchema", Reason: "invalid input schema", Cause: err}
	}
	if e.outputSchema, err = compileSchema(cfg.OutputSchema); err != nil {
		return nil, &errors.ConfigError{Key: "outputSchema", Reason: "invalid output schema", Cause: err}
	}
	return e, nil
}

func compileSchema(raw []byte) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// Execute runs the function under the retry policy. The returned error
// is non-nil only for input validation failures, which consume no
// attempts; execution failures are reported on the Result.
func (e *Executor) Execute(ctx context.Context, input map[string]any) (*Result, error) {
	result := &Result{ExecutionID: uuid.New().String()}
	logger := e.logger.With("function", e.cfg.Name, log.ExecutionIDKey, result.ExecutionID)

	if err := e.validateInput(input); err != nil {
		return nil, err
	}

	started := time.Now()
	defer func() { result.DurationMs = time.Since(started).Milliseconds() }()

	// Retries only exist to converge on a conforming output; creative
	// results are free-form, so they get exactly one attempt.
	maxAttempts := e.cfg.MaxAttempts
	if e.cfg.Mode == ModeCreative {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		record := Attempt{Number: attempt, StartedAt: time.Now()}

		value, err := e.runOnce(ctx, input)
		record.DurationMs = time.Since(record.StartedAt).Milliseconds()

		if err == nil {
			result.Attempts = append(result.Attempts, record)
			result.Success = true
			result.Value = value
			formatted, fmtErr := e.format(value)
			if fmtErr != nil {
				result.Success = false
				result.Error = errors.WrapExecutionError(fmtErr, errors.TypeExecution, "OUTPUT_FORMAT", "funcexec:"+e.cfg.Name)
				return result, nil
			}
			result.FormattedOutput = formatted
			logger.Debug("function succeeded", "attempts", attempt)
			return result, nil
		}

		record.Error = err.Error()
		result.Attempts = append(result.Attempts, record)
		result.Error = e.classify(err)

		if attempt >= maxAttempts || ctx.Err() != nil || !result.Error.Type.Retryable() {
			break
		}

		backoff := e.backoff(attempt)
		logger.Debug("function attempt failed, retrying",
			"attempt", attempt, "backoff", backoff.String(), "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			result.Error = errors.WrapExecutionError(ctx.Err(), errors.TypeTimeout, "EXEC_CANCELLED", "funcexec:"+e.cfg.Name)
			return result, nil
		}
	}

	logger.Warn("function failed",
		"attempts", len(result.Attempts), "error", result.Error)
	return result, nil
}

// ExecuteWithTimeout bounds the whole execution, including retries and
// backoff. An earlier deadline on ctx still wins.
func (e *Executor) ExecuteWithTimeout(ctx context.Context, input map[string]any, timeout time.Duration) (*Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return e.Execute(ctx, input)
}

// runOnce runs one attempt, validating the output in deterministic
// mode. Panics become execution errors.
func (e *Executor) runOnce(ctx context.Context, input map[string]any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewExecutionError(errors.TypeExecution, "FUNC_PANIC", "funcexec:"+e.cfg.Name,
				fmt.Sprintf("function panicked: %v", r))
		}
	}()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	value, err = e.fn(ctx, input)
	if err != nil {
		return nil, err
	}

	if e.cfg.Mode == ModeDeterministic && e.outputSchema != nil {
		if verr := e.outputSchema.Validate(normalize(value)); verr != nil {
			return nil, &errors.ValidationError{
				Field:      "output",
				Message:    fmt.Sprintf("output schema violation: %v", verr),
				Suggestion: "ensure the function returns data matching its output schema",
			}
		}
	}
	return value, nil
}

func (e *Executor) validateInput(input map[string]any) error {
	if e.inputSchema == nil {
		return nil
	}
	if err := e.inputSchema.Validate(normalize(input)); err != nil {
		return &errors.ValidationError{
			Field:      "input",
			Message:    fmt.Sprintf("input schema violation: %v", err),
			Suggestion: "check the function's input schema for required fields and types",
		}
	}
	return nil
}

// classify keeps structured errors and lifts everything else. Output
// validation failures stay retryable in deterministic mode: the retry
// exists precisely to get a conforming output.
func (e *Executor) classify(err error) *errors.ExecutionError {
	var verr *errors.ValidationError
	if errors.As(err, &verr) && verr.Field == "output" {
		return errors.WrapExecutionError(err, errors.TypeExecution, "OUTPUT_SCHEMA", "funcexec:"+e.cfg.Name)
	}
	var execErr *errors.ExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}
	errType := errors.Classify(err)
	if errType == errors.TypeUnknown {
		errType = errors.TypeExecution
	}
	return errors.WrapExecutionError(err, errType, "FUNC_FAILED", "funcexec:"+e.cfg.Name)
}

func (e *Executor) backoff(attempt int) time.Duration {
	backoff := e.cfg.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * e.cfg.Multiplier)
	}
	return backoff
}

// format renders the value per the configured output format.
func (e *Executor) format(value any) (string, error) {
	switch e.cfg.Format {
	case FormatText:
		return fmt.Sprintf("%v", value), nil
	case FormatRaw:
		if s, ok := value.(string); ok {
			return s, nil
		}
		fallthrough
	case FormatJSON:
		fallthrough
	default:
		raw, err := json.Marshal(value)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
}

// normalize round-trips a value through JSON so schema validation sees
// the same shapes it would on the wire.
func normalize(value any) any {
	raw, err := json.Marshal(value)
	if err != nil {
		return value
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return value
	}
	return out
}
